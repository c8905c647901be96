package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adbfleet/fleetagent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "fleetagent",
	Short: "Control plane for an adb-driven Android device fleet",
	Long: `fleetagent 管理一组通过 adb 连接的 Android 设备：自动发现与健康巡检、
可视化/Python/批处理脚本的互斥执行、定时任务调度、实时进度推送与失败归因。`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newDevicesCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetagent command failed")
	}
}
