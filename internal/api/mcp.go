package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/baburama/notebuddy/internal/apperr"
	"github.com/baburama/notebuddy/internal/storage"
)

// TranscriptionHistory lists finished recordings. *storage.Store implements it.
type TranscriptionHistory interface {
	RecentTranscriptions(limit int) ([]storage.Transcription, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Notes   Notes
	History TranscriptionHistory // optional; transcriptions://recent is omitted when nil
}

// NewMCPServer creates an MCP server with the notebuddy tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"notebuddy",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notebuddy: your saved notes, plus summaries of videos and transcripts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_notes",
			mcp.WithDescription("List the saved notes of the logged-in user."),
			mcp.WithBoolean("cached", mcp.Description("Read the local cache instead of the backend")),
		),
		mcpListNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_video",
			mcp.WithDescription("Summarize a YouTube video and save the summary as a note."),
			mcp.WithString("url", mcp.Description("Video URL"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Note title (defaults to a generic one)")),
		),
		mcpSummarizeVideo(deps),
	)

	s.AddTool(
		mcp.NewTool("save_note",
			mcp.WithDescription("Save a note with the given title and content."),
			mcp.WithString("title", mcp.Description("Note title"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Note body"), mcp.Required()),
		),
		mcpSaveNote(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notes://recent",
			"Recent Notes",
			mcp.WithResourceDescription("Notes from the last successful sync (previews only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentNotes(deps),
	)

	if deps.History != nil {
		s.AddResource(
			mcp.NewResource(
				"transcriptions://recent",
				"Recent Transcriptions",
				mcp.WithResourceDescription("Last 10 recording jobs and their status"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentTranscriptions(deps),
		)
	}

	return s
}

func mcpListNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			list any
			err  error
		)
		if req.GetBool("cached", false) {
			list, err = deps.Notes.Cached()
		} else {
			list, err = deps.Notes.List(ctx)
		}
		if err != nil {
			return mcpError(apperr.Message(err)), nil
		}

		b, err := json.Marshal(list)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal notes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSummarizeVideo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		link, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		note, err := deps.Notes.SummarizeVideo(ctx, link, req.GetString("title", ""))
		if err != nil {
			return mcpError(apperr.Message(err)), nil
		}
		return mcpText(note.Content), nil
	}
}

func mcpSaveNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		note, err := deps.Notes.Create(ctx, title, content)
		if err != nil {
			return mcpError(apperr.Message(err)), nil
		}
		if note.ID == "" {
			return mcpText(fmt.Sprintf("Saved note %q", note.Title)), nil
		}
		return mcpText(fmt.Sprintf("Saved note %s", note.ID)), nil
	}
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

func mcpResourceRecentNotes(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cached, err := deps.Notes.Cached()
		if err != nil {
			return nil, fmt.Errorf("failed to read cached notes: %w", err)
		}

		type noteSummary struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Preview string `json:"preview"`
		}

		summaries := make([]noteSummary, len(cached))
		for i, n := range cached {
			summaries[i] = noteSummary{ID: n.ID, Title: n.Title, Preview: preview(n.Content, 200)}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecentTranscriptions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.History.RecentTranscriptions(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent transcriptions: %w", err)
		}

		type transcriptionSummary struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
			Preview   string `json:"preview,omitempty"`
			Error     string `json:"error,omitempty"`
		}

		summaries := make([]transcriptionSummary, len(records))
		for i, t := range records {
			summaries[i] = transcriptionSummary{
				ID:        t.ID,
				Status:    t.Status,
				CreatedAt: t.CreatedAt.Format(time.RFC3339),
				Preview:   preview(t.Transcript, 200),
				Error:     t.LastError,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcriptions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
