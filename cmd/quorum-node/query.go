package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/storage"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

type oracleRow struct {
	ID string `json:"id"`
	registry.OracleRecord
	Online bool `json:"online"`
}

func oraclesCmd() *cobra.Command {
	var active bool
	var class uint64
	cmd := &cobra.Command{
		Use:   "oracles",
		Short: "List registered oracles",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if active {
				q.Set("active", "true")
			}
			if class != 0 {
				q.Set("class", strconv.FormatUint(class, 10))
			}
			var rows []oracleRow
			if err := getJSON("/api/oracles?"+q.Encode(), &rows); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Worker", "Capability", "Classes", "Quality", "Timeliness", "Fee", "Stake", "Calls", "State"})
			for _, o := range rows {
				tw.AppendRow(table.Row{
					o.Identity.Worker.Hex(),
					capabilityLabel(o.Identity.Capability),
					joinUints(o.Classes),
					o.Quality,
					o.Timeliness,
					o.Fee.String(),
					o.Stake.String(),
					o.CallCount,
					oracleState(o),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only active oracles")
	cmd.Flags().Uint64Var(&class, "class", 0, "only oracles serving this capability class")
	return cmd
}

func evaluationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluation <request-id>",
		Short: "Show an evaluation and its polled oracles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Status     string              `json:"status"`
				Deadline   int64               `json:"deadline"`
				Evaluation dispatch.Evaluation `json:"evaluation"`
			}
			if err := getJSON("/api/evaluations/"+url.PathEscape(args[0])+"/status", &status); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(status)
			}
			ev := status.Evaluation
			fmt.Printf("Request:    %s\n", ev.ID)
			fmt.Printf("Requester:  %s\n", ev.Requester.Hex())
			fmt.Printf("Status:     %s (%d/%d responses, deadline %s)\n",
				status.Status, ev.ResponseCount, ev.RequiredResponses, time.Unix(status.Deadline, 0).Format(time.RFC3339))
			if ev.Complete {
				fmt.Printf("Result:     [%s]\n", joinInts(ev.AggregatedLikelihoods))
				fmt.Printf("Justified:  %s\n", ev.Justification)
			}

			answered := make(map[int]dispatch.Response, len(ev.Responses))
			for _, r := range ev.Responses {
				answered[r.Slot] = r
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Slot", "Worker", "Capability", "Fee", "Answer", "Selected", "Bonus"})
			for i, s := range ev.Slots {
				answer, selected := "-", ""
				if r, ok := answered[i]; ok {
					answer = "[" + joinInts(r.Likelihoods) + "]"
					selected = strconv.FormatBool(r.Selected)
				}
				bonus := ""
				if s.BonusPaid {
					bonus = "paid"
				}
				tw.AppendRow(table.Row{i, s.Oracle.Worker.Hex(), capabilityLabel(s.Oracle.Capability), s.Fee.String(), answer, selected, bonus})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var (
		payloads   []string
		addendum   string
		alpha      uint64
		maxFee     string
		scalingCap uint64
		class      uint64
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an evaluation request signed with --key",
		RunE: func(cmd *cobra.Command, args []string) error {
			fee, ok := math.NewIntFromString(maxFee)
			if !ok {
				return fmt.Errorf("--max-fee %q is not an integer", maxFee)
			}
			req := dispatch.Request{
				PayloadRefs: payloads,
				Addendum:    addendum,
				Alpha:       alpha,
				MaxFee:      fee,
				BaseCost:    math.ZeroInt(),
				ScalingCap:  scalingCap,
				Class:       class,
			}
			var resp map[string]string
			if err := postSigned("/api/evaluations", req, &resp); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Println(resp["request_id"])
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&payloads, "payload", nil, "payload reference (repeatable)")
	cmd.Flags().StringVar(&addendum, "addendum", "", "question appended to the payload")
	cmd.Flags().Uint64Var(&alpha, "alpha", 500, "quality weight in per-mille")
	cmd.Flags().StringVar(&maxFee, "max-fee", "100000000000000000", "largest fee per oracle in base units")
	cmd.Flags().Uint64Var(&scalingCap, "scaling-cap", 2, "fee scaling cap")
	cmd.Flags().Uint64Var(&class, "class", 1, "capability class")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func eventsCmd() *cobra.Command {
	var evType, request, oracle string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if evType != "" {
				q.Set("type", evType)
			}
			if request != "" {
				q.Set("request", request)
			}
			if oracle != "" {
				q.Set("oracle", oracle)
			}
			q.Set("limit", strconv.Itoa(limit))
			var evs []storage.EventRecord
			if err := getJSON("/api/events?"+q.Encode(), &evs); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(evs)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Request", "Oracle", "Attrs"})
			for _, ev := range evs {
				tw.AppendRow(table.Row{
					ev.ID,
					time.Unix(ev.Time, 0).Format(time.RFC3339),
					ev.Type,
					shorten(ev.Request),
					ev.Oracle,
					formatAttrs(ev.Attrs),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&evType, "type", "", "event type")
	cmd.Flags().StringVar(&request, "request", "", "request id")
	cmd.Flags().StringVar(&oracle, "oracle", "", "oracle identity (worker/capability)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events")
	return cmd
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func nodeURL(path string) string {
	return strings.TrimRight(viper.GetString("node"), "/") + path
}

func getJSON(path string, v any) error {
	resp, err := httpClient.Get(nodeURL(path))
	if err != nil {
		return err
	}
	return decodeResponse(resp, v)
}

// postSigned posts body signed with the --key account.
func postSigned(path string, body, v any) error {
	key, err := auth.LoadOrGenerateKey(viper.GetString("key"))
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, nodeURL(path), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.SignRequest(req, key, raw); err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// capabilityLabel shows short labels as text and hashed ids as hex.
func capabilityLabel(h common.Hash) string {
	b := bytes.TrimRight(h[:], "\x00")
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return h.Hex()
		}
	}
	return string(b)
}

func oracleState(o oracleRow) string {
	switch {
	case !o.Active:
		return "inactive"
	case o.Blocked:
		return "blocked"
	case o.LockedUntil > time.Now().Unix():
		return "locked"
	case o.Online:
		return "online"
	default:
		return "offline"
	}
}

func joinUints(v []uint64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatUint(x, 10)
	}
	return strings.Join(parts, ",")
}

func joinInts(v []int64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatInt(x, 10)
	}
	return strings.Join(parts, ",")
}

func shorten(id string) string {
	if len(id) > 14 {
		return id[:14] + "…"
	}
	return id
}

func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + attrs[k]
	}
	return strings.Join(parts, " ")
}
