package cmd

import (
	"fmt"

	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Check the enrollment directory and report usable reference faces",
	Long: `Loads every image in the enrollment directory with the configured face
backend, exactly as "run" does at startup, without opening the camera.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openBackend(cmd.Context(), cfg, logger.With("component", "backend"))
		if err != nil {
			return startupError("failed to start face backend", err)
		}
		defer be.close()

		enrolled, err := loadEnrollment(cmd.Context(), cfg, be, be.locator(logger.With("component", "locator")), logger)
		if err != nil {
			return &exitError{code: utils.ExitStartup, msg: "enrollment failed", err: err, cmd: be.helper}
		}
		fmt.Printf("✅ %d enrollment embedding(s) loaded from %s\n", len(enrolled), cfg.EnrollmentDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}
