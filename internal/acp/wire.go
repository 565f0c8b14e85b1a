package acp

import "encoding/json"

// Protocol method names.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionUpdate = "session/update"
	MethodSessionCancel = "session/cancel"
	MethodRequestPerm   = "session/request_permission"
)

const (
	protocolVersion = 1
	clientName      = "portcullis"
	clientVersion   = "0.1.0"
)

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
	ClientInfo         implementation     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AgentInfo         *implementation `json:"agentInfo,omitempty"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	FS       fsCapability `json:"fs"`
	Terminal bool         `json:"terminal,omitempty"`
}

type fsCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// ToolServer describes a tool server the agent should attach to the session.
type ToolServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type newSessionParams struct {
	CWD        string       `json:"cwd"`
	MCPServers []ToolServer `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string     `json:"sessionId"`
	Models    *modelList `json:"models,omitempty"`
	Modes     *modeList  `json:"modes,omitempty"`
}

type modelList struct {
	CurrentModelID  string  `json:"currentModelId"`
	AvailableModels []Model `json:"availableModels"`
}

type modeList struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes"`
}

// Model is one model the agent advertises at session creation.
type Model struct {
	ID   string `json:"modelId"`
	Name string `json:"name"`
}

// Mode is one operating mode the agent advertises at session creation.
type Mode struct {
	ID   string `json:"modeId"`
	Name string `json:"name"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// updateEnvelope is the outer shape of a session/update notification. The
// inner update object is backend-specific and stays opaque apart from its
// discriminator.
type updateEnvelope struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type updateHeader struct {
	SessionUpdate string `json:"sessionUpdate"`
}

type permissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  permissionToolCall `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

type permissionToolCall struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"`
}

type permissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
