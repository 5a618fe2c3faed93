package bridge

// Message names of the conversation protocol. Control messages are JSON text
// frames keyed by "message"; audio travels in binary frames both ways.
const (
	msgStartConversation   = "StartConversation"
	msgConversationStarted = "ConversationStarted"
	msgAudioAdded          = "AudioAdded"
	msgAudioEnded          = "AudioEnded"
	msgAddTranscript       = "AddTranscript"
	msgAddPartial          = "AddPartialTranscript"
	msgResponseStarted     = "ResponseStarted"
	msgResponseCompleted   = "ResponseCompleted"
	msgResponseInterrupted = "ResponseInterrupted"
	msgConversationEnding  = "ConversationEnding"
	msgConversationEnded   = "ConversationEnded"
	msgInfo                = "Info"
	msgWarning             = "Warning"
	msgError               = "Error"
)

type audioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

type conversationConfig struct {
	TemplateID        string            `json:"template_id"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
}

type startMessage struct {
	Message            string              `json:"message"`
	AudioFormat        audioFormat         `json:"audio_format"`
	ConversationConfig *conversationConfig `json:"conversation_config,omitempty"`
}

type audioEndedMessage struct {
	Message   string `json:"message"`
	LastSeqNo int64  `json:"last_seq_no"`
}

// serverMessage is the union of every text message the agent sends.
type serverMessage struct {
	Message string `json:"message"`

	// AudioAdded
	SeqNo int64 `json:"seq_no,omitempty"`

	// AddTranscript / AddPartialTranscript
	Results []struct {
		Alternatives []struct {
			Content string `json:"content"`
		} `json:"alternatives"`
	} `json:"results,omitempty"`

	// ResponseStarted / ResponseCompleted
	Content string `json:"content,omitempty"`

	// Info / Warning / Error
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// transcript joins the best alternative of every result.
func (m *serverMessage) transcript() string {
	var text string
	for _, r := range m.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if text != "" {
			text += " "
		}
		text += r.Alternatives[0].Content
	}
	return text
}
