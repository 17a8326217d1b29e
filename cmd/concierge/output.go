package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/viper"

	conciergesdk "concierge/sdk/go"
)

const contentWidth = 72

type conversationRow struct {
	ID, UserID, Status, UpdatedAt string
}

type messageRow struct {
	Order         int
	Role, Content string
}

type toolCallRow struct {
	ID         int64
	Tool       string
	Status     string
	DurationMS int64
	Error      string
}

type eventRow struct {
	ID               int64
	TS, Type, ConvID string
	ActorID          string
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printTurn(v turnView) {
	if viper.GetBool("json") {
		_ = printJSON(v)
		return
	}
	fmt.Println(v.Response)
	meta := []string{v.Status, fmt.Sprintf("%dms", v.LatencyMS)}
	if len(v.Tools) > 0 {
		meta = append(meta, "tools="+strings.Join(v.Tools, ","))
	}
	fmt.Printf("  [%s]\n", strings.Join(meta, " "))
}

func printConversations(raw any, rows []conversationRow) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "User", "Status", "Updated"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.UserID, r.Status, r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printMessages(raw any, rows []messageRow) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Role", "Content"})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: contentWidth, WidthMaxEnforcer: text.WrapSoft}})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.Order, r.Role, r.Content})
	}
	tw.Render()
	return nil
}

func printToolCalls(raw any, rows []toolCallRow) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Tool", "Status", "Duration", "Error"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.Tool, r.Status, fmt.Sprintf("%dms", r.DurationMS), r.Error})
	}
	tw.Render()
	return nil
}

func printEvents(raw any, rows []eventRow) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Conversation", "Actor"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.TS, r.Type, r.ConvID, r.ActorID})
	}
	tw.Render()
	return nil
}

func printBreakers(items []conciergesdk.Breaker) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Tool", "Failures", "Open", "Open Until"})
	for _, b := range items {
		tw.AppendRow(table.Row{b.Tool, b.ConsecutiveFailures, b.Open, b.OpenUntil})
	}
	tw.Render()
	return nil
}
