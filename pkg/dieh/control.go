// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Operator commands understood by the Controller.
const (
	CmdLoad             = "load"
	CmdStatus           = "status"
	CmdShowConfig       = "show-config"
	CmdStats            = "stats"
	CmdClearStats       = "clear-stats"
	CmdClearLatch       = "clear-latch"
	CmdGetException     = "get-exception"
	CmdSetException     = "set-exception"
	CmdGetPolicy        = "get-policy"
	CmdSetPolicy        = "set-policy"
	CmdForceAction      = "force-action"
	CmdForceClearUpdate = "force-clear-update"
)

type ControlRequest struct {
	ID       string           `json:"id,omitempty"`
	Command  string           `json:"command"`
	Drive    string           `json:"drive,omitempty"`
	Source   string           `json:"source,omitempty"`
	Category string           `json:"category,omitempty"`
	Policy   string           `json:"policy,omitempty"`
	Enabled  *bool            `json:"enabled,omitempty"`
	Action   string           `json:"action,omitempty"`
	Match    *MatcherDocument `json:"match,omitempty"`
	Format   string           `json:"format,omitempty"`
}

type ControlResponse struct {
	ID     string `json:"id,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// TableStatus describes the published configuration.
type TableStatus struct {
	Generation       uint64    `json:"generation"`
	Source           string    `json:"source"`
	LoadedAt         time.Time `json:"loaded_at"`
	Records          int       `json:"records"`
	Overrides        int       `json:"overrides"`
	UpdateInProgress bool      `json:"update_in_progress"`
	Drives           int       `json:"drives"`
	Node             string    `json:"node,omitempty"`
}

type ExceptionResult struct {
	Match  MatcherDocument `json:"match"`
	Action string          `json:"action"`
	Found  bool            `json:"found"`
}

// Controller executes operator commands against an engine.
type Controller struct {
	engine *Engine
	loader *Loader
}

func NewController(engine *Engine, loader *Loader) *Controller {
	return &Controller{engine: engine, loader: loader}
}

func (c *Controller) Handle(req ControlRequest) ControlResponse {
	resp, err := c.handle(req)
	resp.ID = req.ID
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
		log.Warn().Err(err).Str("command", req.Command).Msg("control command failed")
	} else {
		resp.OK = true
		log.Info().Str("command", req.Command).Str("drive", req.Drive).Msg("control command executed")
	}
	return resp
}

func (c *Controller) handle(req ControlRequest) (ControlResponse, error) {
	e := c.engine
	switch req.Command {
	case CmdLoad:
		if c.loader == nil {
			return ControlResponse{Status: LoadGenericError.String()}, fmt.Errorf("no loader configured")
		}
		status, err := c.loader.Load(req.Source)
		return ControlResponse{Status: status.String(), Data: c.status()}, err

	case CmdStatus:
		return ControlResponse{Data: c.status()}, nil

	case CmdShowConfig:
		tbl := e.Store().Snapshot()
		var out []byte
		var err error
		if req.Format == "xml" {
			out, err = EncodeXML(tbl)
		} else {
			out, err = EncodeYAML(tbl)
		}
		if err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Data: string(out)}, nil

	case CmdStats:
		if req.Drive == "" {
			return ControlResponse{Data: e.AllStats()}, nil
		}
		st, err := e.DriveStats(req.Drive)
		return ControlResponse{Data: st}, err

	case CmdClearStats:
		return ControlResponse{}, e.ClearStats(req.Drive)

	case CmdClearLatch:
		cat, err := ParseCategory(req.Category)
		if err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{}, e.ClearLatch(req.Drive, cat)

	case CmdGetException:
		m, md, err := matcherOf(req.Match)
		if err != nil {
			return ControlResponse{}, err
		}
		action, found := e.Store().CategoryException(m)
		return ControlResponse{Data: ExceptionResult{Match: md, Action: action.String(), Found: found}}, nil

	case CmdSetException:
		m, md, err := matcherOf(req.Match)
		if err != nil {
			return ControlResponse{}, err
		}
		action, err := ParseActionFlag(req.Action)
		if err != nil {
			return ControlResponse{}, err
		}
		if _, err := e.Store().SetCategoryException(m, action); err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Data: ExceptionResult{Match: md, Action: action.String(), Found: action != NoAction}}, nil

	case CmdGetPolicy:
		return ControlResponse{Data: e.Policies().Snapshot()}, nil

	case CmdSetPolicy:
		p, err := ParsePolicy(req.Policy)
		if err != nil {
			return ControlResponse{}, err
		}
		if req.Enabled == nil {
			return ControlResponse{}, fmt.Errorf("set-policy needs enabled")
		}
		if err := e.SetPolicy(p, *req.Enabled); err != nil {
			return ControlResponse{}, err
		}
		return ControlResponse{Data: e.Policies().Snapshot()}, nil

	case CmdForceAction:
		action, err := ParseActionFlag(req.Action)
		if err != nil {
			return ControlResponse{}, err
		}
		done, err := e.ForceAction(req.Drive, action)
		return ControlResponse{Data: done.String()}, err

	case CmdForceClearUpdate:
		return ControlResponse{Data: e.Store().ForceClearUpdate()}, nil

	default:
		return ControlResponse{}, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (c *Controller) status() TableStatus {
	tbl := c.engine.Store().Snapshot()
	return TableStatus{
		Generation:       tbl.Generation,
		Source:           tbl.Source,
		LoadedAt:         tbl.LoadedAt,
		Records:          len(tbl.Records),
		Overrides:        len(tbl.Overrides),
		UpdateInProgress: c.engine.Store().UpdateInProgress(),
		Drives:           len(c.engine.Drives()),
		Node:             c.engine.Node(),
	}
}

func matcherOf(md *MatcherDocument) (ErrorMatcher, MatcherDocument, error) {
	if md == nil {
		return ErrorMatcher{}, MatcherDocument{}, fmt.Errorf("match criteria required")
	}
	m, err := md.Matcher()
	if err != nil {
		return ErrorMatcher{}, *md, err
	}
	if m.Empty() {
		return ErrorMatcher{}, *md, fmt.Errorf("match criteria required")
	}
	return m, *md, nil
}

// SendControl issues a control request and waits for the reply.
func SendControl(nc *nats.Conn, subject string, req ControlRequest, timeout time.Duration) (ControlResponse, []byte, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ControlResponse{}, nil, err
	}
	msg, err := nc.Request(subject, data, timeout)
	if err != nil {
		return ControlResponse{}, nil, fmt.Errorf("control request %s: %w", req.Command, err)
	}
	var resp ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return ControlResponse{}, msg.Data, fmt.Errorf("decode control response: %w", err)
	}
	return resp, msg.Data, nil
}
