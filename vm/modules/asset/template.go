package asset

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/store"
)

func init() {
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "register_template"},
		validateRegisterTemplate, precheckRegisterTemplate, applyRegisterTemplate,
	)
}

// Template is a class of mintable assets, owned by the account that
// registered it.
type Template struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Schema    map[string]any `json:"schema"`
	Tradeable bool           `json:"tradeable"`
	Creator   string         `json:"creator"`
}

const templatePrefix = "asset/tmpl/"

func templateKey(id string) []byte { return []byte(templatePrefix + id) }

// GetTemplate reads the template with id.
func GetTemplate(session *store.Session, id string) (*Template, error) {
	data, err := session.Get(templateKey(id))
	if err != nil {
		return nil, err
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode template %q: %w", id, err)
	}
	return &t, nil
}

// SetTemplate stages t's current row in session.
func SetTemplate(session *store.Session, t *Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	session.Set(templateKey(t.ID), data)
	return nil
}

func validateRegisterTemplate(msg core.Message) error {
	var p core.RegisterTemplatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode register_template payload: %w", err)
	}
	if p.ID == "" {
		return fmt.Errorf("template id required")
	}
	return nil
}

func precheckRegisterTemplate(ctx *handler.Context, msg core.Message) error {
	var p core.RegisterTemplatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if _, err := GetTemplate(ctx.Session, p.ID); err == nil {
		return fmt.Errorf("template %q already exists", p.ID)
	} else if err != core.ErrNotFound {
		return fmt.Errorf("check template %q: %w", p.ID, err)
	}
	return nil
}

func applyRegisterTemplate(ctx *handler.Context, msg core.Message) error {
	var p core.RegisterTemplatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	t := &Template{
		ID:        p.ID,
		Name:      p.Name,
		Schema:    p.Schema,
		Tradeable: p.Tradeable,
		Creator:   msg.Sender,
	}
	if err := SetTemplate(ctx.Session, t); err != nil {
		return err
	}
	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTemplateReg,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"template_id": p.ID, "name": p.Name},
		})
	}
	return nil
}
