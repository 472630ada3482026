package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/models"
	"github.com/cardscan/cardscan/internal/protocol"
	"github.com/cardscan/cardscan/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRecordsCmd(root *rootOptions) *cobra.Command {
	var (
		sessionID int64
		limit     int
		format    string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List stored scan records",
		Long: `Lists scan records, read-only. Records are read from the local database
unless --server is given, in which case they are fetched from that server.`,
		Example: `  # Latest records as a table
  cardscan records --limit 20

  # One session as YAML
  cardscan records --session 3 --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var session *int64
			if cmd.Flags().Changed("session") {
				session = &sessionID
			}

			var records []models.ScanRecord
			var err error
			if serverURL != "" {
				records, err = protocol.NewClient(serverURL).ListRecords(cmd.Context(), session, limit)
			} else {
				records, err = localRecords(cmd.Context(), root.configPath, session, limit)
			}
			if err != nil {
				return err
			}
			return writeRecords(os.Stdout, records, format)
		},
	}

	cmd.Flags().Int64Var(&sessionID, "session", 0, "Only records of this session")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of records (0 for all)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, yaml or json")
	cmd.Flags().StringVar(&serverURL, "server", "", "Fetch records from this server instead of the local database")

	return cmd
}

func localRecords(ctx context.Context, configPath string, session *int64, limit int) ([]models.ScanRecord, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rows, err := store.ListRecords(ctx, storage.RecordFilter{SessionID: session, Limit: limit})
	if err != nil {
		return nil, err
	}
	records := make([]models.ScanRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, *r)
	}
	return records, nil
}

func writeRecords(w io.Writer, records []models.ScanRecord, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "table":
		_, err := fmt.Fprintln(w, recordsTable(records))
		return err
	default:
		return fmt.Errorf("unknown format %q (want table, yaml or json)", format)
	}
}

func recordsTable(records []models.ScanRecord) string {
	headers := []string{"ID", "Session", "Card", "Set", "Number", "Price", "Duplicate of", "Scanned"}
	aligns := []columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		session := "-"
		if r.SessionID != nil {
			session = strconv.FormatInt(*r.SessionID, 10)
		}
		duplicate := ""
		if r.DuplicateOf != nil {
			duplicate = fmt.Sprintf("#%d", *r.DuplicateOf)
			if r.DuplicateDistance != nil {
				duplicate += fmt.Sprintf(" (d=%d)", *r.DuplicateDistance)
			}
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			session,
			r.Candidate.Name,
			r.Candidate.Set,
			r.Candidate.Number,
			fmt.Sprintf("%.2f %s", r.Pricing.PriceFinal, r.Pricing.Currency),
			duplicate,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(headers, rows, aligns)
}
