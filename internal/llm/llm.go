package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Request 描述一次意图编译请求。
type Request struct {
	Intent    string  `json:"intent"`
	PriceHint float64 `json:"current_price"`
}

// Position 为节点坐标。
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WireNode 为意图服务返回的节点，data.type 决定节点类型，其余字段为节点配置。
type WireNode struct {
	ID       string         `json:"id" validate:"required"`
	Type     string         `json:"type,omitempty"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data" validate:"required"`
}

// WireEdge 为意图服务返回的连线。
type WireEdge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required,nefield=Source"`
}

// Response 是意图服务返回的结构化结果。
type Response struct {
	Thought string     `json:"thought"`
	Error   string     `json:"error,omitempty"`
	Nodes   []WireNode `json:"nodes" validate:"required,min=1,dive"`
	Edges   []WireEdge `json:"edges" validate:"dive"`
}

// Client 定义了调用意图服务的统一接口。
type Client interface {
	Compile(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 将函数适配为 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Compile implements Client.
func (f ClientFunc) Compile(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// SystemPrompt 约束模型输出为可直接加载的图。
const SystemPrompt = "" +
	"You are DefiFlow's workflow compiler. Turn the user's DeFi intent into an automation graph. " +
	"Respond with a single JSON object: {\"thought\": string, \"error\": string|null, \"nodes\": [...], \"edges\": [...]}. " +
	"Each node is {\"id\": string, \"position\": {\"x\": number, \"y\": number}, \"data\": {\"type\": string, \"label\": string, ...config}}. " +
	"Node data types: " +
	"\"trigger\" with operator (\">\" or \"<\"), threshold and asset; " +
	"\"bridge\" with fromChain, toChain, fromToken, toToken, contractTarget, contractData; " +
	"\"action\" (a swap) with input as the amount of ETH to sell; " +
	"\"ens\" (a resolver) with recipients: [{\"input\": name or address, \"amount\": number}] (at most 5); " +
	"\"transfer\" (a batch payroll) with memo. " +
	"Each edge is {\"id\": string, \"source\": node id, \"target\": node id}. " +
	"A transfer must follow an ens or action node. Lay nodes out top to bottom, 250 units apart. " +
	"If the intent cannot be expressed, return empty nodes and explain in \"error\"."

// UserPrompt 组装用户消息。
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Intent: ")
	b.WriteString(strings.TrimSpace(req.Intent))
	if req.PriceHint > 0 {
		b.WriteString("\nCurrent ETH price (USD): ")
		b.WriteString(strconv.FormatFloat(req.PriceHint, 'f', 2, 64))
	}
	return b.String()
}

// ParseResponse 解析模型输出，容忍 Markdown 代码块包裹。
func ParseResponse(content []byte) (*Response, error) {
	content = bytes.TrimSpace(content)
	if bytes.HasPrefix(content, []byte("```")) {
		content = bytes.TrimPrefix(content, []byte("```json"))
		content = bytes.TrimPrefix(content, []byte("```"))
		content = bytes.TrimSuffix(bytes.TrimSpace(content), []byte("```"))
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("empty intent response")
	}
	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, fmt.Errorf("decode intent response: %w", err)
	}
	return &resp, nil
}
