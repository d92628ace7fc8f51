package dispatch

import (
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retry"
)

// NodeType is the registry key of a node executor.
type NodeType string

// Built-in node types.
const (
	NodeStart          NodeType = "start"
	NodeLLMChat        NodeType = "llmChat"
	NodeRetrieval      NodeType = "retrieval"
	NodeToolCall       NodeType = "toolCall"
	NodeCodeRun        NodeType = "codeRun"
	NodeConditional    NodeType = "conditional"
	NodeClassify       NodeType = "classify"
	NodeLoop           NodeType = "loop"
	NodeLoopStart      NodeType = "loopStart"
	NodeLoopEnd        NodeType = "loopEnd"
	NodeUserInput      NodeType = "userInput"
	NodeUserSelect     NodeType = "userSelect"
	NodePluginInput    NodeType = "pluginInput"
	NodePluginOutput   NodeType = "pluginOutput"
	NodePlugin         NodeType = "plugin"
	NodeAnswer         NodeType = "answer"
	NodeVariableUpdate NodeType = "variableUpdate"
	NodeHTTPRequest    NodeType = "httpRequest468"
	NodeHTTPLegacy     NodeType = "httpRequest"
	NodeContentExtract NodeType = "contentExtract"
	NodeDatasetConcat  NodeType = "datasetConcat"
	NodeQueryExtension NodeType = "queryExtension"
	NodeStopTool       NodeType = "stopTool"
)

// ValueType describes how an input or output value is coerced.
type ValueType string

// Value types understood by FormatValue.
const (
	ValueAny          ValueType = "any"
	ValueString       ValueType = "string"
	ValueNumber       ValueType = "number"
	ValueBoolean      ValueType = "boolean"
	ValueObject       ValueType = "object"
	ValueArrayString  ValueType = "arrayString"
	ValueArrayNumber  ValueType = "arrayNumber"
	ValueArrayBoolean ValueType = "arrayBoolean"
	ValueArrayObject  ValueType = "arrayObject"
	ValueArrayAny     ValueType = "arrayAny"
	ValueChatHistory  ValueType = "chatHistory"
	ValueDatasetQuote ValueType = "datasetQuote"
)

// VariableNodeID is the reference node id that reads global variables.
const VariableNodeID = "VARIABLE_NODE_ID"

// Edge handles with engine meaning.
const (
	// HandleError is taken by a catchError node when its executor fails.
	HandleError = "error"
	// HandleSelectedTools links a toolCall node to the nodes it may call.
	// These edges never carry activation.
	HandleSelectedTools = "selectedTools"
)

// Reference points an input at another node's output.
type Reference struct {
	NodeID string `json:"nodeId"`
	Key    string `json:"key"`
}

// Input is a declared node input.
type Input struct {
	Key         string     `json:"key"`
	ValueType   ValueType  `json:"valueType,omitempty"`
	Value       any        `json:"value,omitempty"`
	Reference   *Reference `json:"reference,omitempty"`
	Required    bool       `json:"required,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Output is a declared node output.
type Output struct {
	Key         string    `json:"key"`
	ValueType   ValueType `json:"valueType,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Node is a stored node. It is not modified by a run.
type Node struct {
	ID       string   `json:"nodeId"`
	Name     string   `json:"name,omitempty"`
	Type     NodeType `json:"flowNodeType"`
	Inputs   []Input  `json:"inputs,omitempty"`
	Outputs  []Output `json:"outputs,omitempty"`
	ParentID string   `json:"parentNodeId,omitempty"`

	RetryPolicy *retry.Policy `json:"retryPolicy,omitempty"`
	CatchError  bool          `json:"catchError,omitempty"`

	// ReplaysFromHistory nodes take their outputs from the last
	// HistoryDepth history items instead of executing.
	ReplaysFromHistory bool `json:"replaysFromHistory,omitempty"`
	HistoryDepth       int  `json:"historyDepth,omitempty"`
}

// Input returns the declared input with key.
func (n *Node) Input(key string) (Input, bool) {
	for _, in := range n.Inputs {
		if in.Key == key {
			return in, true
		}
	}
	return Input{}, false
}

// DisplayName returns Name, falling back to ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge is a stored edge.
type Edge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// EdgeStatus is the runtime state of an edge.
type EdgeStatus string

// Edge statuses.
const (
	EdgeWaiting EdgeStatus = "waiting"
	EdgeActive  EdgeStatus = "active"
	EdgeSkipped EdgeStatus = "skipped"
)

// EdgeState records an edge status so a suspended run can restore it.
type EdgeState struct {
	Source       string     `json:"source"`
	SourceHandle string     `json:"sourceHandle,omitempty"`
	Target       string     `json:"target"`
	TargetHandle string     `json:"targetHandle,omitempty"`
	Status       EdgeStatus `json:"status"`
}

func (s EdgeState) matches(e Edge) bool {
	return s.Source == e.Source && s.SourceHandle == e.SourceHandle &&
		s.Target == e.Target && s.TargetHandle == e.TargetHandle
}

// NodeStatus is the runtime state of a node instance.
type NodeStatus string

// Node statuses.
const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// Role identifies the author of a history item.
type Role string

// History roles.
const (
	RoleHuman  Role = "Human"
	RoleAI     Role = "AI"
	RoleSystem Role = "System"
)

// HistoryItem is one stored conversational turn.
type HistoryItem struct {
	ID          string                    `json:"dataId"`
	ChatID      string                    `json:"chatId,omitempty"`
	Role        Role                      `json:"obj"`
	Text        string                    `json:"text,omitempty"`
	NodeOutputs map[string]map[string]any `json:"nodeOutputs,omitempty"`
	Interactive *Interactive              `json:"interactive,omitempty"`
	CreatedAt   time.Time                 `json:"time"`
}

// InteractiveType is the kind of user interaction a run waits for.
type InteractiveType string

// Interactive kinds.
const (
	InteractiveUserSelect InteractiveType = "userSelect"
	InteractiveUserInput  InteractiveType = "userInput"
	InteractiveChildren   InteractiveType = "childrenInteractive"
)

// SelectOption is one choice of a userSelect node.
type SelectOption struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FormField is one field of a userInput node.
type FormField struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	ValueType ValueType `json:"valueType,omitempty"`
	Required  bool      `json:"required,omitempty"`
}

// Interactive is the continuation stored with a suspended turn. The engine
// fills the run snapshot fields (entries, edges, outputs, variables).
type Interactive struct {
	Type        InteractiveType `json:"type"`
	NodeID      string          `json:"nodeId"`
	ResumeToken string          `json:"resumeToken,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	Options     []SelectOption  `json:"options,omitempty"`
	Forms       []FormField     `json:"forms,omitempty"`
	// InputKey is the input that receives the user's reply on resume.
	InputKey string `json:"inputKey,omitempty"`
	// Child is the suspended child run of a composite node.
	Child  *Interactive   `json:"child,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	EntryNodeIDs []string `json:"entryNodeIds,omitempty"`
	// DeferredNodeIDs ran alongside NodeID and asked for input too. They
	// re-enter unconditionally on resume.
	DeferredNodeIDs []string                  `json:"deferredNodeIds,omitempty"`
	MemoryEdges     []EdgeState               `json:"memoryEdges,omitempty"`
	NodeOutputs     map[string]map[string]any `json:"nodeOutputs,omitempty"`
	Variables       map[string]any            `json:"variables,omitempty"`
	Answered        bool                      `json:"answered,omitempty"`
}

// Innermost follows Child links to the interaction the user sees.
func (i *Interactive) Innermost() *Interactive {
	cur := i
	for cur != nil && cur.Child != nil {
		cur = cur.Child
	}
	return cur
}

// NodeResponse is the audit record of one node instance.
type NodeResponse struct {
	NodeID        string     `json:"nodeId"`
	Name          string     `json:"moduleName,omitempty"`
	Type          NodeType   `json:"moduleType"`
	Status        NodeStatus `json:"status"`
	RunningTimeMs int64      `json:"runningTimeMs"`
	Attempts      int        `json:"attempts,omitempty"`
	Model         string     `json:"model,omitempty"`
	Tokens        int        `json:"tokens,omitempty"`
	Points        float64    `json:"totalPoints,omitempty"`
	Error         string     `json:"error,omitempty"`
	Replayed      bool       `json:"replayed,omitempty"`
	AwaitingInput bool       `json:"awaitingInput,omitempty"`
	// Deferred marks an interactive node that ran while another node of its
	// batch had already suspended the run. It runs again on resume.
	Deferred bool `json:"deferred,omitempty"`

	QuoteList    []retrieval.Document `json:"quoteList,omitempty"`
	ToolDetail   []NodeResponse       `json:"toolDetail,omitempty"`
	LoopDetail   []NodeResponse       `json:"loopDetail,omitempty"`
	PluginDetail []NodeResponse       `json:"pluginDetail,omitempty"`
	Extra        map[string]any       `json:"extra,omitempty"`
}

// Detail carries executor-specific audit data into the NodeResponse.
type Detail struct {
	QuoteList    []retrieval.Document
	ToolDetail   []NodeResponse
	LoopDetail   []NodeResponse
	PluginDetail []NodeResponse
	Extra        map[string]any
}

// ResponseType distinguishes assistant response items.
type ResponseType string

// Assistant response kinds.
const (
	ResponseText        ResponseType = "text"
	ResponseInteractive ResponseType = "interactive"
)

// AssistantResponse is one item of the user-visible answer.
type AssistantResponse struct {
	Type        ResponseType `json:"type"`
	Text        string       `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

// ChatConfig is app-level chat configuration.
type ChatConfig struct {
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Timezone     string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// RunState is how a dispatch ended.
type RunState string

// Run states.
const (
	RunCompleted RunState = "completed"
	RunSuspended RunState = "suspended"
	RunFailed    RunState = "failed"
)
