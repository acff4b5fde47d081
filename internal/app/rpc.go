package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rewind/internal/daemon"
)

// llmConfigUpdatePayload is the body of update_llm_config.
type llmConfigUpdatePayload struct {
	Provider string    `json:"provider"`
	Config   LLMConfig `json:"config"`
}

// Dispatch implements the shell command surface over the daemon protocol.
// Every command returns either a typed payload or a user-facing error.
func (a *Application) Dispatch(ctx context.Context, req daemon.Request) daemon.Response {
	switch req.Cmd {
	case daemon.CmdStatus:
		snap, err := a.status.Get(ctx)
		if err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(struct {
			StatusSnapshot
			Healthy bool `json:"healthy"`
		}{snap, a.status.Healthy()})

	case daemon.CmdPause, daemon.CmdResume:
		paused := req.Cmd == daemon.CmdPause
		a.status.SetPause(ctx, paused)
		a.logger.Info(EventPauseChanged, map[string]interface{}{"paused": paused})
		return daemon.OK(nil)

	case daemon.CmdListSessions:
		return a.listSessions(ctx, req)

	case daemon.CmdGetSessionDetail:
		detail, err := a.store.SessionDetailByID(ctx, req.SessionID)
		if err != nil {
			return daemon.Fail(err)
		}
		if detail == nil {
			return daemon.Fail(fmt.Errorf("session %d not found", req.SessionID))
		}
		return daemon.OK(detail)

	case daemon.CmdGetDayActivity:
		if req.Date == "" {
			req.Date = time.Now().Local().Format("2006-01-02")
		}
		act, err := a.store.DayActivity(ctx, req.Date)
		if err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(act)

	case daemon.CmdReanalyzeSession:
		sess, err := a.store.SessionByID(ctx, req.SessionID)
		if err != nil {
			return daemon.Fail(err)
		}
		if sess == nil {
			return daemon.Fail(fmt.Errorf("session %d not found", req.SessionID))
		}
		select {
		case a.analyzeQ <- req.SessionID:
			return daemon.OK(map[string]string{"state": "queued"})
		default:
			return daemon.Fail(errors.New("analysis queue is full, try again later"))
		}

	case daemon.CmdCleanup:
		cfg, err := a.settings.Get(ctx)
		if err != nil {
			return daemon.Fail(err)
		}
		sessions, files, err := a.cleaner.RunOnce(ctx, cfg.RetentionDays)
		if err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(map[string]int{
			"sessions_removed": sessions,
			"files_removed":    files,
		})

	case daemon.CmdTestLLMConnection:
		out := a.llm.Call(ctx, CallInput{
			Kind:   CallAnalyzeFrames,
			Prompt: "Connection test. Reply with a short confirmation.",
		})
		if out.Err != nil {
			return daemon.Fail(out.Err)
		}
		return daemon.OK(map[string]any{"status_code": out.Result.StatusCode})

	case daemon.CmdUpdateLLMConfig:
		var payload llmConfigUpdatePayload
		if err := json.Unmarshal(req.Config, &payload); err != nil {
			return daemon.Fail(fmt.Errorf("%w: %v", ErrConfigInvalid, err))
		}
		partial := map[string]json.RawMessage{}
		if payload.Provider != "" {
			p, _ := json.Marshal(payload.Provider)
			partial["llm_provider"] = p
		}
		c, _ := json.Marshal(payload.Config)
		partial["llm_config"] = c
		cfg, err := a.settings.Update(ctx, partial)
		if err != nil {
			return daemon.Fail(err)
		}
		if err := a.llm.UpdateConfig(ctx, cfg.LLMProvider, cfg.LLMConfig); err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(nil)

	case daemon.CmdTestKBConnection:
		cfg, err := a.settings.Get(ctx)
		if err != nil {
			return daemon.Fail(err)
		}
		if err := NewNotionClient(cfg.NotionConfig).TestConnection(ctx); err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(nil)

	case daemon.CmdUpdateKBConfig:
		partial := map[string]json.RawMessage{"notion_config": req.Config}
		if _, err := a.settings.Update(ctx, partial); err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(nil)

	case daemon.CmdSearchKBContainers:
		cfg, err := a.settings.Get(ctx)
		if err != nil {
			return daemon.Fail(err)
		}
		containers, err := NewNotionClient(cfg.NotionConfig).SearchContainers(ctx, req.Query)
		if err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(containers)

	case daemon.CmdCreateKBContainer:
		cfg, err := a.settings.Get(ctx)
		if err != nil {
			return daemon.Fail(err)
		}
		container, err := NewNotionClient(cfg.NotionConfig).CreateContainer(ctx, req.Title)
		if err != nil {
			return daemon.Fail(err)
		}
		return daemon.OK(container)

	default:
		return daemon.Fail(fmt.Errorf("unknown command %q", req.Cmd))
	}
}

func (a *Application) listSessions(ctx context.Context, req daemon.Request) daemon.Response {
	var sessions []Session
	var err error
	if req.Date != "" {
		sessions, err = a.store.SessionsOnDate(ctx, req.Date)
	} else {
		sessions, err = a.store.RecentSessions(ctx, 50)
	}
	if err != nil {
		return daemon.Fail(err)
	}
	return daemon.OK(sessions)
}
