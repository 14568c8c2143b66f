package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/engine"
	"github.com/stellarlinkco/memoria/internal/logging"
	"github.com/stellarlinkco/memoria/internal/memory"
)

// Exchange is one user message on its way to the runtime.
type Exchange struct {
	UserID        string
	SessionID     string
	Text          string
	FirstName     string
	Username      string
	Timestamp     time.Time
	ContentBlocks []model.ContentBlock
}

// Assistant answers messages with the user's memories in the prompt and
// records every exchange in the engine. The gateway and the chat command
// share it.
type Assistant struct {
	engine  *engine.Engine
	runtime Runtime
	logger  *zap.Logger
}

func NewAssistant(eng *engine.Engine, rt Runtime, logger *zap.Logger) *Assistant {
	return &Assistant{engine: eng, runtime: rt, logger: logging.OrNop(logger).Named("assistant")}
}

// Reply returns the runtime's answer. A runtime error is returned after the
// user's message has been recorded with an empty response. Recording uses
// a context that outlives cancellation so an answered exchange is kept.
func (a *Assistant) Reply(ctx context.Context, ex Exchange) (string, error) {
	prompt := ex.Text
	hasText := strings.TrimSpace(ex.Text) != ""
	if hasText {
		records, err := a.engine.SearchMemory(ctx, ex.UserID, ex.Text, engine.DefaultSearchLimit)
		if err != nil {
			a.logger.Warn("memory search failed", zap.String("user", ex.UserID), zap.Error(err))
		} else if len(records) > 0 {
			prompt = fmt.Sprintf("[Relevant Memory]\n%s\n\n[User Message]\n%s", formatMemories(records), ex.Text)
		}
	}

	start := time.Now()
	result, runErr := runAgent(ctx, a.runtime, prompt, ex.SessionID, ex.ContentBlocks)
	elapsed := time.Since(start)

	if hasText {
		response := result
		if runErr != nil {
			response = ""
		}
		if _, err := a.engine.Ingest(context.WithoutCancel(ctx), engine.IngestRequest{
			UserID:       ex.UserID,
			Text:         ex.Text,
			Response:     response,
			FirstName:    ex.FirstName,
			Username:     ex.Username,
			ResponseTime: elapsed,
			Timestamp:    ex.Timestamp,
		}); err != nil {
			a.logger.Warn("ingest failed", zap.String("user", ex.UserID), zap.Error(err))
		}
	}

	if runErr != nil {
		return "", runErr
	}
	return result, nil
}

func runAgent(ctx context.Context, rt Runtime, prompt, sessionID string, contentBlocks []model.ContentBlock) (string, error) {
	// agentsdk-go drops Prompt when ContentBlocks exist, so the text goes
	// in as the first block.
	blocks := contentBlocks
	if len(contentBlocks) > 0 && strings.TrimSpace(prompt) != "" {
		blocks = make([]model.ContentBlock, 0, len(contentBlocks)+1)
		blocks = append(blocks, model.ContentBlock{Type: model.ContentBlockText, Text: prompt})
		blocks = append(blocks, contentBlocks...)
		prompt = ""
	}

	resp, err := rt.Run(ctx, api.Request{
		Prompt:        prompt,
		ContentBlocks: blocks,
		SessionID:     sessionID,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return resp.Result.Output, nil
}

// formatMemories renders records as a bullet list for the prompt.
func formatMemories(records []memory.Record) string {
	var sb strings.Builder
	for i, r := range records {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- [%s] %s", r.Type, r.Content)
	}
	return sb.String()
}

// BuildSystemPrompt joins the workspace's AGENTS.md and SOUL.md with the
// most recent global insights. eng may be nil.
func BuildSystemPrompt(workspace string, eng *engine.Engine) string {
	var sb strings.Builder

	if data, err := os.ReadFile(filepath.Join(workspace, "AGENTS.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}

	if data, err := os.ReadFile(filepath.Join(workspace, "SOUL.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}

	if eng == nil {
		return sb.String()
	}
	if insights := eng.GetRecentInsights(3); len(insights) > 0 {
		sb.WriteString("# Recent Insights\n")
		for _, ins := range insights {
			sb.WriteString("- ")
			sb.WriteString(ins.Text)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
