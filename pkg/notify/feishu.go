package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/adbfleet/fleetagent/internal/env"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/pkg/errors"
)

func init() {
	_ = env.Ensure()
}

// Environment variables for the Feishu channel.
//
// Required:
//   - FEISHU_APP_ID
//   - FEISHU_APP_SECRET
//   - FLEET_ALERT_FEISHU_CHAT_ID
const (
	envFeishuAppID     = "FEISHU_APP_ID"
	envFeishuAppSecret = "FEISHU_APP_SECRET"
	envFeishuChatID    = "FLEET_ALERT_FEISHU_CHAT_ID"
)

// FeishuNotifier posts alert texts into a Feishu chat.
type FeishuNotifier struct {
	client *lark.Client
	chatID string
}

// NewFeishuNotifierFromEnv returns nil (without error) when the channel is
// not configured, allowing graceful opt-out.
func NewFeishuNotifierFromEnv() (*FeishuNotifier, error) {
	appID := strings.TrimSpace(os.Getenv(envFeishuAppID))
	appSecret := strings.TrimSpace(os.Getenv(envFeishuAppSecret))
	chatID := strings.TrimSpace(os.Getenv(envFeishuChatID))
	if appID == "" && appSecret == "" && chatID == "" {
		return nil, nil
	}
	if appID == "" || appSecret == "" {
		return nil, errors.New("notify: FEISHU_APP_ID and FEISHU_APP_SECRET must both be set")
	}
	if chatID == "" {
		return nil, errors.New("notify: FLEET_ALERT_FEISHU_CHAT_ID must be set")
	}
	client := lark.NewClient(appID, appSecret, lark.WithLogLevel(larkcore.LogLevelError))
	return &FeishuNotifier{client: client, chatID: chatID}, nil
}

func (f *FeishuNotifier) Notify(ctx context.Context, msg Message) error {
	if f == nil || f.client == nil {
		return errors.New("notify: feishu notifier not configured")
	}
	text := fmt.Sprintf("[%s] %s (%s) %s", strings.ToUpper(msg.Severity), msg.AlertType, msg.DeviceSerial, msg.Text)
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.Wrap(err, "notify: encode feishu content failed")
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(f.chatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()
	resp, err := f.client.Im.Message.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "notify: feishu send failed")
	}
	if !resp.Success() {
		return errors.Errorf("notify: feishu send rejected: %s", resp.CodeError.Msg)
	}
	return nil
}
