package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/fingerprint"
	"github.com/spf13/cobra"
)

func newFingerprintCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint FILE...",
		Short: "Print image fingerprints and pairwise distances",
		Long: `Computes the duplicate fingerprint of each image and the Hamming
distance between every pair, flagging pairs the server would report as
duplicates.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}

			fps := make([]fingerprint.Fingerprint, len(args))
			rows := make([][]string, 0, len(args))
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				fp, err := fingerprint.Compute(data)
				if err != nil {
					return fmt.Errorf("failed to fingerprint %s: %w", path, err)
				}
				fps[i] = fp
				rows = append(rows, []string{filepath.Base(path), fp.String(), fp.TileString()})
			}
			fmt.Println(renderTable([]string{"File", "Hash", "Tiles"}, rows, nil))

			if len(args) < 2 {
				return nil
			}
			rows = rows[:0]
			for i := range fps {
				for j := i + 1; j < len(fps); j++ {
					d := fingerprint.Distance(fps[i], fps[j])
					td := fingerprint.TileDistance(fps[i], fps[j])
					dup := ""
					if d <= cfg.Fingerprint.DuplicateThreshold && td <= cfg.Fingerprint.TileThreshold {
						dup = "duplicate"
					}
					rows = append(rows, []string{filepath.Base(args[i]), filepath.Base(args[j]), fmt.Sprint(d), fmt.Sprint(td), dup})
				}
			}
			fmt.Println(renderTable([]string{"A", "B", "Distance", "Tile distance", ""}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
			return nil
		},
	}
	return cmd
}
