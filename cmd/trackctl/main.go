// trackctl is an operator CLI for the trackerd HTTP API.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bythron/trackerd/internal/gateway"
	"github.com/bythron/trackerd/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trackctl",
		Short:         "Operator CLI for the tracker gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, date: %s)", version, commit, date),
	}

	defaultServer := os.Getenv("TRACKERD_API_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	root.PersistentFlags().String("server", defaultServer, "trackerd API base URL (env: TRACKERD_API_URL)")

	root.AddCommand(
		newDevicesCmd(),
		newDiagnosticsCmd(),
		newLatestCmd(),
		newHistoryCmd(),
		newAlarmsCmd(),
		newTripsCmd(),
		newCommandCmd(),
		newWatchCmd(),
	)
	return root
}

func clientFromFlags(cmd *cobra.Command) (*apiClient, error) {
	server, err := cmd.Root().PersistentFlags().GetString("server")
	if err != nil {
		return nil, fmt.Errorf("failed to get server flag: %w", err)
	}
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			var devices []store.Device
			if err := client.get(cmd.Context(), "/api/devices", &devices); err != nil {
				return err
			}

			table := newTable()
			table.SetHeader([]string{"ID", "IMEI", "Name", "Status", "Battery\n(%)", "GSM\n(bars)", "Last Update", "Last Position"})
			for _, d := range devices {
				table.Append([]string{
					fmt.Sprintf("%d", d.ID),
					d.IMEI,
					d.Name,
					d.Status,
					formatIntPtr(d.Battery),
					formatIntPtr(d.GSMSignal),
					formatTimePtr(d.LastUpdate),
					formatPosition(d.LastLat, d.LastLon),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newDiagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics <device-id>",
		Short: "Show connectivity diagnostics for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			var diag struct {
				DeviceID           int64      `json:"device_id"`
				IMEI               string     `json:"imei"`
				Classification     string     `json:"classification"`
				Status             string     `json:"status"`
				LastUpdate         *time.Time `json:"last_update,omitempty"`
				SecondsSinceUpdate *int64     `json:"seconds_since_update,omitempty"`
				Battery            *int       `json:"battery_level,omitempty"`
				GSMSignal          *int       `json:"gsm_signal,omitempty"`
			}
			if err := client.get(cmd.Context(), "/api/devices/"+args[0]+"/diagnostics", &diag); err != nil {
				return err
			}

			since := "-"
			if diag.SecondsSinceUpdate != nil {
				since = (time.Duration(*diag.SecondsSinceUpdate) * time.Second).String()
			}

			table := newTable()
			table.SetHeader([]string{"ID", "IMEI", "Classification", "Status", "Silent For", "Battery\n(%)", "GSM\n(bars)"})
			table.Append([]string{
				fmt.Sprintf("%d", diag.DeviceID),
				diag.IMEI,
				diag.Classification,
				diag.Status,
				since,
				formatIntPtr(diag.Battery),
				formatIntPtr(diag.GSMSignal),
			})
			table.Render()
			return nil
		},
	}
}

func newLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest <device-id>",
		Short: "Show the latest position of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			var loc store.Location
			if err := client.get(cmd.Context(), "/api/devices/"+args[0]+"/locations/latest", &loc); err != nil {
				return err
			}

			printLocations([]store.Location{loc})
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <device-id>",
		Short: "Show recent positions of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			since, err := cmd.Flags().GetDuration("since")
			if err != nil {
				return fmt.Errorf("failed to get since flag: %w", err)
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}

			now := time.Now().UTC()
			path := fmt.Sprintf("/api/devices/%s/locations?start=%s&end=%s&limit=%d",
				args[0],
				now.Add(-since).Format(time.RFC3339),
				now.Format(time.RFC3339),
				limit,
			)

			var locs []store.Location
			if err := client.get(cmd.Context(), path, &locs); err != nil {
				return err
			}

			printLocations(locs)
			return nil
		},
	}
	cmd.Flags().Duration("since", 24*time.Hour, "How far back to query (e.g. 2h, 24h)")
	cmd.Flags().Int("limit", 100, "Maximum number of positions to show")
	return cmd
}

func newAlarmsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarms <device-id>",
		Short: "Show recent alarms of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}

			var alarms []store.Location
			path := fmt.Sprintf("/api/devices/%s/alarms?limit=%d", args[0], limit)
			if err := client.get(cmd.Context(), path, &alarms); err != nil {
				return err
			}

			table := newTable()
			table.SetHeader([]string{"Time", "Alarm", "Latitude", "Longitude", "Speed\n(km/h)", "GPS\nValid"})
			for _, a := range alarms {
				alarmType := "-"
				if a.AlarmType != nil {
					alarmType = *a.AlarmType
				}
				table.Append([]string{
					a.Timestamp.Format(time.RFC3339),
					alarmType,
					fmt.Sprintf("%.6f", a.Latitude),
					fmt.Sprintf("%.6f", a.Longitude),
					fmt.Sprintf("%.0f", a.Speed),
					fmt.Sprintf("%t", a.GPSValid),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of alarms to show")
	return cmd
}

func newTripsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trips <device-id>",
		Short: "List saved trips of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			var trips []store.Trip
			if err := client.get(cmd.Context(), "/api/devices/"+args[0]+"/trips", &trips); err != nil {
				return err
			}

			table := newTable()
			table.SetHeader([]string{"ID", "Name", "Start", "End", "Distance\n(km)"})
			for _, t := range trips {
				name := t.Name
				if t.DisplayName != nil && *t.DisplayName != "" {
					name = *t.DisplayName
				}
				end := "open"
				if t.EndTime != nil {
					end = t.EndTime.Format(time.RFC3339)
				}
				table.Append([]string{
					fmt.Sprintf("%d", t.ID),
					name,
					t.StartTime.Format(time.RFC3339),
					end,
					fmt.Sprintf("%.2f", t.TotalDistanceKm),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newCommandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <device-id> <content>",
		Short: "Send a command to a connected device and wait for its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return fmt.Errorf("failed to get timeout flag: %w", err)
			}

			body := map[string]any{
				"content":         args[1],
				"timeout_seconds": int(timeout.Seconds()),
			}

			var result gateway.CommandResult
			if err := client.post(cmd.Context(), "/api/devices/"+args[0]+"/command", body, &result); err != nil {
				return err
			}

			fmt.Println("Delivered:", result.Success)
			if result.Reply != nil {
				fmt.Println("Reply:", *result.Reply)
			}
			if result.Note != "" {
				fmt.Println("Note:", result.Note)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for the device's reply")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live device events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return client.streamEvents(ctx, os.Stdout)
		},
	}
}

// apiClient is a thin JSON client for the trackerd HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// streamEvents follows the server-sent event stream, printing one line per
// event until the context is canceled or the server closes the stream.
func (c *apiClient) streamEvents(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No overall timeout; the stream runs until interrupted.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		fmt.Fprintln(w, strings.TrimPrefix(line, "data: "))
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func newTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	return table
}

func printLocations(locs []store.Location) {
	table := newTable()
	table.SetHeader([]string{"Time", "Latitude", "Longitude", "Speed\n(km/h)", "Course", "Sats", "GPS\nValid"})
	for _, l := range locs {
		table.Append([]string{
			l.Timestamp.Format(time.RFC3339),
			fmt.Sprintf("%.6f", l.Latitude),
			fmt.Sprintf("%.6f", l.Longitude),
			fmt.Sprintf("%.0f", l.Speed),
			fmt.Sprintf("%d", l.Course),
			fmt.Sprintf("%d", l.Satellites),
			fmt.Sprintf("%t", l.GPSValid),
		})
	}
	table.Render()
}

func formatIntPtr(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatPosition(lat, lon *float64) string {
	if lat == nil || lon == nil {
		return "-"
	}
	return fmt.Sprintf("%.5f, %.5f", *lat, *lon)
}
