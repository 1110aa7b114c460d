package cmd

import (
	"fmt"

	"github.com/andresmejia3/presence-guard/internal/camera"
	"github.com/andresmejia3/presence-guard/internal/companion"
	"github.com/andresmejia3/presence-guard/internal/config"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the camera and companion device are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		index, auto, _ := config.ParseDeviceSelector(cfg.CameraDevice)
		src, err := camera.Open(index, auto, openCamera, camera.DefaultOptions(cfg.FrameWidth, cfg.FrameHeight), logger.With("component", "camera"))
		if err != nil {
			return startupError("cannot open webcam (/dev/video0..3)", err)
		}
		defer src.Close()

		frame, err := src.ReadLatest(ctx)
		if err != nil {
			fmt.Printf("📷 /dev/video%d opened, but no frame could be read: %v\n", src.Index(), err)
		} else {
			fmt.Printf("📷 /dev/video%d delivers %dx%d frames\n", src.Index(), frame.Width, frame.Height)
		}

		if !cfg.EnableSecondaryFactor {
			fmt.Println("📱 Secondary factor disabled")
			return nil
		}
		gate := companion.NewBluetoothGate(cfg.CompanionDevice, cfg.CompanionTimeout, logger.With("component", "companion"))
		if gate.Present(ctx) {
			fmt.Printf("📱 %s connected\n", cfg.CompanionDevice)
		} else {
			fmt.Printf("📱 %s NOT connected; run would lock immediately\n", cfg.CompanionDevice)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
