package asset

import (
	"testing"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/handler"
)

func TestRegisterTemplateThenRejectsDuplicate(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "maker")

	msg := core.Message{Sender: "maker", Recipient: Contract, TypeName: "register_template",
		Payload: mustJSON(t, core.RegisterTemplatePayload{ID: "tmpl1", Name: "Sword", Tradeable: true})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := precheckRegisterTemplate(ctx, msg); err != nil {
		t.Fatalf("precheckRegisterTemplate: %v", err)
	}
	if err := applyRegisterTemplate(ctx, msg); err != nil {
		t.Fatalf("applyRegisterTemplate: %v", err)
	}

	tmpl, err := GetTemplate(session, "tmpl1")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if tmpl.Creator != "maker" || !tmpl.Tradeable {
		t.Fatalf("unexpected template: %+v", tmpl)
	}

	if err := precheckRegisterTemplate(ctx, msg); err == nil {
		t.Fatal("expected precheckRegisterTemplate to reject a duplicate id")
	}
}
