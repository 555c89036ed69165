package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/driftgate/driftgate/internal/calibration"
	"github.com/driftgate/driftgate/pkg/models"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit and query the calibration snapshot",
}

var (
	calObservationsPath string
	calSuiteID          string
	calLimit            int

	calConfidence float64
	calTask       string

	gateBaseThreshold float64
	gateMaxShift      float64
)

var calibrateFitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit temperature scaling from observations or stored runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		svc := calibration.NewService(st)

		var params *models.CalibrationParams
		if calObservationsPath != "" {
			observations, err := loadObservations(calObservationsPath)
			if err != nil {
				return err
			}
			params, err = svc.Fit(context.Background(), observations, "runs")
			if err != nil {
				return err
			}
		} else {
			params, err = svc.FitFromRuns(context.Background(), calSuiteID, calLimit)
			if err != nil {
				return err
			}
		}
		return writeJSON("", params)
	},
}

var calibrateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current calibration snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		params, err := calibration.NewService(st).Show(context.Background())
		if err != nil {
			return err
		}
		return writeJSON("", params)
	},
}

var calibrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Rescale one confidence through the fitted temperature",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		calibrated, err := calibration.NewService(st).ApplyCalibration(context.Background(), calConfidence, calTask)
		if err != nil {
			return err
		}
		fmt.Printf("%.6f\n", calibrated)
		return nil
	},
}

var calibrateGateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Run the bounded calibrated gate for one confidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		decision, err := calibration.NewService(st).Gate(context.Background(),
			calConfidence, gateBaseThreshold, gateMaxShift, calTask)
		if err != nil {
			return err
		}
		return writeJSON("", decision)
	},
}

func init() {
	calibrateFitCmd.Flags().StringVar(&calObservationsPath, "observations", "", "observations YAML file")
	calibrateFitCmd.Flags().StringVar(&calSuiteID, "suite-id", "", "fit from stored runs of this suite (all when empty)")
	calibrateFitCmd.Flags().IntVar(&calLimit, "limit", 100, "how many stored runs to read")

	calibrateApplyCmd.Flags().Float64Var(&calConfidence, "confidence", 0, "raw confidence in [0,1]")
	calibrateApplyCmd.Flags().StringVar(&calTask, "task", "", "task id for per-task temperature")
	calibrateApplyCmd.MarkFlagRequired("confidence")

	calibrateGateCmd.Flags().Float64Var(&calConfidence, "confidence", 0, "raw confidence in [0,1]")
	calibrateGateCmd.Flags().StringVar(&calTask, "task", "", "task id for per-task temperature")
	calibrateGateCmd.Flags().Float64Var(&gateBaseThreshold, "threshold", 0.7, "base decision threshold")
	calibrateGateCmd.Flags().Float64Var(&gateMaxShift, "max-shift", 0.05, "maximum threshold shift")
	calibrateGateCmd.MarkFlagRequired("confidence")

	calibrateCmd.AddCommand(calibrateFitCmd)
	calibrateCmd.AddCommand(calibrateShowCmd)
	calibrateCmd.AddCommand(calibrateApplyCmd)
	calibrateCmd.AddCommand(calibrateGateCmd)
}

func loadObservations(path string) ([]models.Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read observations %s: %w", path, err)
	}
	var observations []models.Observation
	if err := yaml.Unmarshal(data, &observations); err != nil {
		return nil, fmt.Errorf("parse observations %s: %w", path, err)
	}
	return observations, nil
}
