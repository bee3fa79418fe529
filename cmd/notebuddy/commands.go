package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/config"
	"github.com/baburama/notebuddy/internal/session"
	"github.com/baburama/notebuddy/internal/transcription"
)

// stdin is shared by the prompts so buffered input is not lost between them.
var stdin = bufio.NewReader(os.Stdin)

func readLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(os.Stderr, prompt)
	}
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret takes the password from --password, NOTEBUDDY_PASSWORD or a prompt.
func readSecret(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("password"); p != "" {
		return p, nil
	}
	if p := os.Getenv("NOTEBUDDY_PASSWORD"); p != "" {
		return p, nil
	}
	return readLine("Password: ")
}

// reportResult prints the outcome of login or register and turns failures
// into a non-zero exit.
func reportResult(res session.Result, success string) error {
	switch {
	case res.Success:
		printSuccess("%s", success)
		return nil
	case res.BackendStarting:
		printWarning("%s", res.Message)
		return errors.New("backend not ready")
	default:
		return errors.New(res.Message)
	}
}

// --- session ---

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and remember the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret(cmd)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Contacting %s...", a.cfg.Backend.BaseURL)
		res, err := a.session.Login(cmd.Context(), args[0], secret)
		if err != nil {
			return errors.New(apperr.Message(err))
		}
		return reportResult(res, "Logged in as "+args[0])
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret(cmd)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.session.Register(cmd.Context(), args[0], secret)
		if err != nil {
			return errors.New(apperr.Message(err))
		}
		return reportResult(res, "Account created. Run `notebuddy login "+args[0]+"` to sign in.")
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.Logout(); err != nil {
			return err
		}
		printSuccess("Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("password", "", "password (prompted when omitted)")
	registerCmd.Flags().String("password", "", "password (prompted when omitted)")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend, session and bridge status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return showStatus(cmd.Context(), a)
	},
}

func showStatus(ctx context.Context, a *app) error {
	printStatus("Backend", "%s (%s)", a.cfg.Backend.BaseURL, a.monitor.Check(ctx))

	if a.session.Authenticated() {
		printStatus("Session", "logged in as %s", a.session.Identity())
	} else {
		printStatus("Session", "logged out")
	}

	if c, err := newAPIClient(); err == nil {
		var h struct {
			Status string `json:"status"`
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if resp, err := c.get(reqCtx, "/health"); err != nil {
			printStatus("Bridge", "stopped")
		} else if err := decodeJSON(resp, &h); err != nil {
			printStatus("Bridge", "error (%v)", err)
		} else {
			printStatus("Bridge", "running on port %d", a.cfg.Server.Port)
		}
	}

	if recent, err := a.store.RecentTranscriptions(100); err == nil {
		printStatus("Recordings", "%s", countLabel(len(recent), 100))
	}
	printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

// --- notes ---

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "List or delete saved notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cached, _ := cmd.Flags().GetBool("cached")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.notes.List(cmd.Context())
		if cached || (err != nil && apperr.Retryable(err)) {
			if err != nil {
				printWarning("%s Showing cached notes.", apperr.Message(err))
			}
			list, err = a.notes.Cached()
		}
		if err != nil {
			return errors.New(apperr.Message(err))
		}

		if len(list) == 0 {
			fmt.Println("No notes yet.")
			return nil
		}
		for _, n := range list {
			fmt.Printf("%s  %s\n", colorize(colorCyan, n.ID), colorize(colorBold, n.Title))
			if n.Content != "" {
				fmt.Printf("    %s\n", truncate(strings.ReplaceAll(n.Content, "\n", " "), 100))
			}
		}
		return nil
	},
}

var notesDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete notes by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.notes.Delete(cmd.Context(), args...); err != nil {
			return errors.New(apperr.Message(err))
		}
		printSuccess("Deleted %d note(s)", len(args))
		return nil
	},
}

func init() {
	notesListCmd.Flags().Bool("cached", false, "show the local cache without contacting the backend")
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesDeleteCmd)
}

// --- video / pdf ---

var videoCmd = &cobra.Command{
	Use:   "video <url>",
	Short: "Summarize a YouTube video into a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Summarizing video...")
		note, err := a.notes.SummarizeVideo(cmd.Context(), args[0], title)
		if err != nil {
			return errors.New(apperr.Message(err))
		}
		printSuccess("Saved %q", note.Title)
		fmt.Println(note.Content)
		return nil
	},
}

var pdfCmd = &cobra.Command{
	Use:   "pdf <file>",
	Short: "Summarize a PDF into a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Uploading %s...", filepath.Base(args[0]))
		note, err := a.notes.SummarizePDF(cmd.Context(), filepath.Base(args[0]), data, title)
		if err != nil {
			return errors.New(apperr.Message(err))
		}
		printSuccess("Saved %q", note.Title)
		fmt.Println(note.Content)
		return nil
	},
}

func init() {
	videoCmd.Flags().String("title", "", "note title")
	pdfCmd.Flags().String("title", "", "note title (defaults to the file name)")
}

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone and transcribe",
	Long: `Record from the microphone, upload the audio and wait for the transcript.

With --title the transcript is summarized and saved as a note; otherwise it
is printed to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		ctx := cmd.Context()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec := a.recorder
		if err := rec.StartRecording(); err != nil {
			return err
		}
		printStep("Recording... press Enter to stop")

		stopped := make(chan error, 1)
		go func() {
			_, err := readLine("")
			stopped <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
		}

		if err := rec.StopRecording(); err != nil {
			return err
		}
		snap := rec.Snapshot()
		printStatus("Recorded", "%ds, %.2fMB", snap.DurationSeconds, float64(snap.SizeBytes)/(1024*1024))

		since := rec.Events().LastSeq()
		if err := rec.Submit(ctx); err != nil {
			return errors.New(apperr.Message(err))
		}

		for {
			snap, since, err = followRecording(ctx, rec, since, 500*time.Millisecond)
			if err != nil {
				return err
			}
			if snap.State == transcription.Summary {
				break
			}
			answer, err := readLine("Retry? [y/N] ")
			if err != nil || !strings.EqualFold(strings.TrimSpace(answer), "y") {
				return errors.New(snap.Error)
			}
			if err := rec.Retry(ctx); err != nil {
				return errors.New(apperr.Message(err))
			}
		}

		if title == "" {
			fmt.Println(snap.Transcript)
			return nil
		}
		printStep("Summarizing transcript...")
		note, err := a.notes.SaveTranscript(ctx, title, snap.Transcript)
		if err != nil {
			return errors.New(apperr.Message(err))
		}
		printSuccess("Saved %q", note.Title)
		fmt.Println(note.Content)
		return nil
	},
}

func init() {
	recordCmd.Flags().String("title", "", "save the summarized transcript as a note with this title")
}

// progressSource is the part of the recorder followRecording reads.
type progressSource interface {
	Snapshot() transcription.Snapshot
	Events() *transcription.EventBus
}

// followRecording prints progress events after since until the workflow
// reaches Summary or Failed, and returns the last event seq it printed.
func followRecording(ctx context.Context, rec progressSource, since int64, every time.Duration) (transcription.Snapshot, int64, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		for _, ev := range rec.Events().Since(since) {
			since = ev.Seq
			printEvent(ev)
		}
		snap := rec.Snapshot()
		if snap.State == transcription.Summary || snap.State == transcription.Failed {
			return snap, since, nil
		}
		select {
		case <-ctx.Done():
			return snap, since, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printEvent(ev transcription.Event) {
	switch ev.Type {
	case transcription.EventTypeWarning:
		printWarning("%s", ev.Message)
	case transcription.EventTypeError:
		printError("%s", ev.Message)
	case transcription.EventTypeStatus:
		if ev.Message != "" {
			printStep("%s", ev.Message)
		}
	}
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
