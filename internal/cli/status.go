package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/studioloom/conductor/internal/core/domain"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current status of all registered instances",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080", "address of the running conductor")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	resp, err := http.Get(statusAddr + "/health/detailed")
	if err != nil {
		slog.Error("Failed to reach conductor", "addr", statusAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var detail struct {
		Instances []domain.Instance `json:"instances"`
		Policy    string            `json:"policy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		slog.Error("Failed to decode status response", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Policy: %s\n\n", detail.Policy)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAME\tSTATUS\tHEALTH\tENDPOINT\tACTIVE\tQUEUE")

	for _, inst := range detail.Instances {
		active, queue := 0, 0
		if inst.Health.SystemStats != nil {
			active = inst.Health.SystemStats.ActiveWorkflows
			queue = inst.Health.SystemStats.QueueDepth
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%d\t%d\n",
			inst.Config.Name, inst.Status, inst.Health.Status,
			inst.Config.Host, inst.Config.Port, active, queue)
	}
	_ = w.Flush()
}
