package telephony

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NextAction is what the provider should do after speaking.
type NextAction int

const (
	NextGather NextAction = iota + 1
	NextHangup
)

func (a NextAction) String() string {
	switch a {
	case NextGather:
		return "gather"
	case NextHangup:
		return "hangup"
	default:
		return "unknown(" + strconv.Itoa(int(a)) + ")"
	}
}

const (
	DefaultLanguage = "en-AU"

	gatherSpeechTimeout = 3
	minGatherTimeout    = 15
	maxGatherTimeout    = 60
)

// VoiceResponse is everything needed to render one TwiML reply.
type VoiceResponse struct {
	Text    string
	Next    NextAction
	CallID  string
	BaseURL string

	Language string
	Voice    string
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	Language      string   `xml:"language,attr,omitempty"`
	SpeechTimeout int      `xml:"speechTimeout,attr"`
	Timeout       int      `xml:"timeout,attr"`
	Say           twimlSay
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// GatherTimeout gives the caller time to hear text and start answering:
// ceil(0.6s per word) plus 7s, bounded to [15, 60] seconds.
func GatherTimeout(text string) int {
	words := len(strings.Fields(text))
	secs := (words*6+9)/10 + 7
	if secs < minGatherTimeout {
		return minGatherTimeout
	}
	if secs > maxGatherTimeout {
		return maxGatherTimeout
	}
	return secs
}

// GatherActionURL is where Twilio posts the gather result.
func GatherActionURL(baseURL, callID string) string {
	return strings.TrimRight(baseURL, "/") + "/telephony/gather?callId=" + url.QueryEscape(callID)
}

// RenderVoiceResponse renders r as a TwiML document.
// It panics on an unknown NextAction; callers only ever pass the constants.
func RenderVoiceResponse(r VoiceResponse) (string, error) {
	lang := r.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	say := twimlSay{Voice: r.Voice, Language: lang, Text: r.Text}

	var resp twimlResponse
	switch r.Next {
	case NextGather:
		resp.Verbs = append(resp.Verbs, twimlGather{
			Input:         "speech",
			Action:        GatherActionURL(r.BaseURL, r.CallID),
			Method:        "POST",
			Language:      lang,
			SpeechTimeout: gatherSpeechTimeout,
			Timeout:       GatherTimeout(r.Text),
			Say:           say,
		})
	case NextHangup:
		resp.Verbs = append(resp.Verbs, say, twimlHangup{})
	default:
		panic(fmt.Sprintf("telephony: unknown next action %s", r.Next))
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
