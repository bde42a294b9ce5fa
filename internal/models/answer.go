package models

import (
	"encoding/json"
	"errors"
	"strings"
)

type AnswerKind uint8

const (
	AnswerText AnswerKind = iota + 1
	AnswerChoices
)

// Answer is either free text or a set of chosen options, never both.
type Answer struct {
	kind    AnswerKind
	text    string
	choices []string
}

func TextAnswer(text string) Answer {
	return Answer{kind: AnswerText, text: text}
}

func ChoicesAnswer(choices ...string) Answer {
	return Answer{kind: AnswerChoices, choices: append([]string(nil), choices...)}
}

func (a Answer) Kind() AnswerKind { return a.kind }

func (a Answer) Text() (string, bool) {
	return a.text, a.kind == AnswerText
}

func (a Answer) Choices() ([]string, bool) {
	return append([]string(nil), a.choices...), a.kind == AnswerChoices
}

// IsEmpty reports whether the answer carries no usable content.
func (a Answer) IsEmpty() bool {
	switch a.kind {
	case AnswerText:
		return strings.TrimSpace(a.text) == ""
	case AnswerChoices:
		return len(a.choices) == 0
	default:
		return true
	}
}

type answerJSON struct {
	Text    *string  `json:"text,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

var ErrMalformedAnswer = errors.New("answer must carry exactly one of text or choices")

func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AnswerText:
		return json.Marshal(answerJSON{Text: &a.text})
	case AnswerChoices:
		choices := a.choices
		if choices == nil {
			choices = []string{}
		}
		return json.Marshal(struct {
			Choices []string `json:"choices"`
		}{choices})
	default:
		return []byte("null"), nil
	}
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = Answer{}
		return nil
	}
	var raw struct {
		Text    *string   `json:"text"`
		Choices *[]string `json:"choices"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Text != nil && raw.Choices == nil:
		*a = TextAnswer(*raw.Text)
	case raw.Choices != nil && raw.Text == nil:
		*a = ChoicesAnswer(*raw.Choices...)
	default:
		return ErrMalformedAnswer
	}
	return nil
}
