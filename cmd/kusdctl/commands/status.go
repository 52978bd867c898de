package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show allocator TVL, weights and rebalance plan of a running node",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("api-url", "http://localhost:8080", "Gateway base URL")
	statusCmd.Flags().String("format", "yaml", "Output format (yaml, json)")
}

type nodeStatus struct {
	TVL     map[string]string   `json:"tvl" yaml:"tvl"`
	Weights map[string]uint64   `json:"weights" yaml:"weights"`
	Plan    []map[string]string `json:"plan" yaml:"plan"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	base := strings.TrimRight(apiURL, "/")
	client := &http.Client{Timeout: 10 * time.Second}

	var st nodeStatus
	for path, dst := range map[string]any{
		"/v1/tvl":            &st.TVL,
		"/v1/weights":        &st.Weights,
		"/v1/rebalance/plan": &st.Plan,
	} {
		if err := fetchJSON(client, base+path, dst); err != nil {
			return err
		}
	}
	return render(cmd, format, st)
}

func fetchJSON(client *http.Client, url string, dst any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func render(cmd *cobra.Command, format string, v any) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
