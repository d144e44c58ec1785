package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/memoir/internal/api"
	"github.com/kalambet/memoir/internal/config"
)

// --- entry ---

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Write and manage journal entries",
}

var entryAddCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Add a journal entry",
	Long: `Add a journal entry. Without text arguments the entry is read from stdin.

Examples:
  memoir entry add "Birthday party at the lake house"
  memoir entry add --date 2024-03-01 --tags family,trip "Drove to the coast"
  cat note.txt | memoir entry add`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if text == "" {
			data, err := readStdin(cmd)
			if err != nil {
				return err
			}
			text = data
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("entry text is required")
		}

		req, err := entryRequest(cmd, &text)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/entries", req)
		if err != nil {
			return err
		}
		var e api.EntryJSON
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}

		printSuccess("Stored entry %s (%s)", e.ID, e.Date.Format(time.DateOnly))
		if !e.HasEmbedding {
			printWarning("Embedding failed; the entry is searchable by keywords only until `memoir reindex`")
		}
		return nil
	},
}

var entryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/entries?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var entries []api.EntryJSON
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No entries found.")
			return nil
		}
		for _, e := range entries {
			printEntryLine(e)
		}
		return nil
	},
}

var entryShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		e, err := fetchEntry(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(e)
		}

		fmt.Printf("%s  %s\n", colorize(colorBold, e.Date.Format(time.DateOnly)), colorize(colorDim, e.ID))
		if len(e.Tags) > 0 {
			fmt.Printf("Tags: %s\n", strings.Join(e.Tags, ", "))
		}
		if len(e.Attachments) > 0 {
			fmt.Printf("Attachments: %s\n", strings.Join(e.Attachments, ", "))
		}
		fmt.Printf("\n%s\n", e.Text)
		return nil
	},
}

var entryEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an entry; opens $EDITOR unless --text is given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var text *string
		if cmd.Flags().Changed("text") {
			t, _ := cmd.Flags().GetString("text")
			text = &t
		} else if !cmd.Flags().Changed("date") && !cmd.Flags().Changed("tags") {
			e, err := fetchEntry(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			edited, err := editText(e.Text)
			if err != nil {
				return err
			}
			if edited == strings.TrimSpace(e.Text) {
				printWarning("No changes")
				return nil
			}
			text = &edited
		}

		req, err := entryRequest(cmd, text)
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/entries/"+url.PathEscape(args[0]), req)
		if err != nil {
			return err
		}
		var e api.EntryJSON
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Updated entry %s", e.ID)
		return nil
	},
}

var entryRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete an entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/entries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{entryAddCmd, entryEditCmd} {
		c.Flags().String("date", "", "entry date, YYYY-MM-DD or RFC 3339 (default now)")
		c.Flags().String("tags", "", "comma-separated tags")
	}
	entryEditCmd.Flags().String("text", "", "replacement text")
	entryListCmd.Flags().Int("limit", 20, "maximum number of entries to list")
	entryListCmd.Flags().Int("offset", 0, "number of entries to skip")
	entryShowCmd.Flags().Bool("json", false, "print the entry as JSON")

	entryCmd.AddCommand(entryAddCmd, entryListCmd, entryShowCmd, entryEditCmd, entryRmCmd)
}

// entryRequest builds the request body from text and the --date/--tags flags.
func entryRequest(cmd *cobra.Command, text *string) (api.EntryRequest, error) {
	req := api.EntryRequest{Text: text}
	if cmd.Flags().Changed("date") {
		d, _ := cmd.Flags().GetString("date")
		if _, err := api.ParseDate(d); err != nil {
			return req, err
		}
		req.Date = &d
	}
	if cmd.Flags().Changed("tags") {
		raw, _ := cmd.Flags().GetString("tags")
		tags := splitList(raw)
		req.Tags = &tags
	}
	return req, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fetchEntry(ctx context.Context, client *apiClient, id string) (api.EntryJSON, error) {
	var e api.EntryJSON
	resp, err := client.get(ctx, "/entries/"+url.PathEscape(id))
	if err != nil {
		return e, err
	}
	return e, decodeJSON(resp, &e)
}

func printEntryLine(e api.EntryJSON) {
	line := fmt.Sprintf("%s  %s  %s",
		colorize(colorCyan, shortID(e.ID)),
		e.Date.Format(time.DateOnly),
		clip(e.Text, 80),
	)
	if len(e.Tags) > 0 {
		line += colorize(colorDim, "  ["+strings.Join(e.Tags, ",")+"]")
	}
	fmt.Println(line)
}

func readStdin(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("entry text is required (pass it as arguments or pipe it on stdin)")
		}
	}
	var b bytes.Buffer
	if _, err := b.ReadFrom(cmd.InOrStdin()); err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return b.String(), nil
}

// editText opens text in $EDITOR and returns the trimmed result.
func editText(text string) (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	tmpFile, err := os.CreateTemp("", "memoir-entry-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.WriteString(text); err != nil {
		tmpFile.Close()
		return "", err
	}
	tmpFile.Close()

	editorCmd := exec.Command(editor, tmpPath)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return "", fmt.Errorf("editor exited with error: %w", err)
	}

	edited, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(edited)), nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from your journal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("sources")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/ask", api.AskRequest{Query: strings.Join(args, " "), Session: session})
		if err != nil {
			return err
		}
		var out api.AskResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		printAnswer(out, verbose)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("sources", false, "list the entries the answer is grounded in")
	askCmd.Flags().String("session", "", "session id; a newer question in the same session supersedes an older one")
}

func printAnswer(out api.AskResponse, sources bool) {
	switch {
	case out.NoRelevantEntries:
		fmt.Println(out.Answer)
		printWarning("No journal entry matched the question")
		return
	case !out.Found:
		fmt.Println(out.Answer)
	default:
		fmt.Println(colorize(colorBold, out.Answer))
	}
	if out.DegradedEmbedding {
		printWarning("Embedding was unavailable; results come from keyword search only")
	}
	if !sources {
		return
	}
	fmt.Println()
	for _, s := range out.Sources {
		marker := ""
		if s.FromLexical {
			marker = " +kw"
		}
		fmt.Printf("  %s [%.2f%s] %s\n",
			s.Entry.Date.Format(time.DateOnly), s.Score, marker, clip(s.Entry.Text, 70))
	}
}

// --- keywords ---

var keywordsCmd = &cobra.Command{
	Use:   "keywords <question>",
	Short: "Show the search keywords extracted from a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/keywords", api.AskRequest{Query: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Println(out["keywords"])
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/history?limit=%d", limit))
		if err != nil {
			return err
		}
		var records []api.QueryJSON
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No questions asked yet.")
			return nil
		}
		for _, q := range records {
			state := q.State
			if q.Error != "" {
				state = colorize(colorRed, state)
			}
			fmt.Printf("%s  %s  %s\n    %s\n",
				q.CreatedAt.Local().Format("2006-01-02 15:04"),
				state,
				clip(q.Query, 70),
				colorize(colorDim, clip(q.Answer, 70)),
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of questions to list")
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed entries missing a vector and refresh the lexical index",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient.Timeout = 10 * time.Minute

		printStep("Reindexing...")
		resp, err := client.post(cmd.Context(), "/reindex", struct{}{})
		if err != nil {
			return err
		}
		var stats api.ReindexJSON
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printSuccess("%d entries: %d embedded, %d indexed", stats.Entries, stats.Embedded, stats.Indexed)
		if stats.Deferred > 0 {
			printWarning("%d index updates queued for retry", stats.Deferred)
		}
		if stats.EmbedFailed > 0 {
			printWarning("%d entries could not be embedded; they stay searchable by keyword", stats.EmbedFailed)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the lexical search index",
}

var indexConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Apply searchable attributes, user faceting and date ranking to the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Lexical.Backend == "memory" {
			printWarning("lexical.backend is memory; nothing to configure")
			return nil
		}
		if err := newLexicalIndex(cfg).Configure(cmd.Context()); err != nil {
			return fmt.Errorf("configuring index %s: %w", cfg.Algolia.Index, err)
		}
		printSuccess("Configured index %s", cfg.Algolia.Index)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexConfigureCmd)
}
