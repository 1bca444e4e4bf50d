package llm

import (
	"strings"
	"testing"
)

func TestParseResponseAcceptsFencedJSON(t *testing.T) {
	raw := "```json\n{\"thought\":\"swap then pay\",\"error\":null,\"nodes\":[{\"id\":\"node-1\",\"position\":{\"x\":100,\"y\":100},\"data\":{\"type\":\"action\",\"input\":\"1\"}}],\"edges\":[]}\n```"
	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Thought != "swap then pay" || resp.Error != "" || len(resp.Nodes) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Nodes[0].Data["type"] != "action" || resp.Nodes[0].Position.Y != 100 {
		t.Fatalf("unexpected node %+v", resp.Nodes[0])
	}
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "I could not do that", "```\n```"} {
		if _, err := ParseResponse([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestUserPromptIncludesPrice(t *testing.T) {
	got := UserPrompt(Request{Intent: "  pay alice.eth 10 USDC when ETH > 3000 ", PriceHint: 3012.456})
	if !strings.Contains(got, "Intent: pay alice.eth 10 USDC when ETH > 3000") || !strings.Contains(got, "3012.46") {
		t.Fatalf("unexpected prompt %q", got)
	}
	if strings.Contains(UserPrompt(Request{Intent: "x"}), "price") {
		t.Fatalf("price line should be omitted without a hint")
	}
}
