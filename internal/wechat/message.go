package wechat

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// MsgTypeText is the only inbound message type answered with composed content.
const MsgTypeText = "text"

// ErrMalformedMessage is wrapped by ParseInbound when the body is not valid XML.
var ErrMalformedMessage = errors.New("malformed message")

// InboundMessage is the envelope posted by the platform for a user message.
// The root element name is not checked. CreateTime is kept as sent; it is
// never interpreted, so an odd value does not make the envelope malformed.
type InboundMessage struct {
	ToUserName   string `xml:"ToUserName"`
	FromUserName string `xml:"FromUserName"`
	CreateTime   string `xml:"CreateTime"`
	MsgType      string `xml:"MsgType"`
	Content      string `xml:"Content"`
	MsgID        string `xml:"MsgId"`
}

// IsText reports whether the message carries text content.
func (m InboundMessage) IsText() bool {
	return m.MsgType == MsgTypeText
}

// ParseInbound decodes an inbound XML envelope. Content is trimmed and a
// missing MsgType defaults to text.
func ParseInbound(body []byte) (InboundMessage, error) {
	var msg InboundMessage
	dec := xml.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := expectEOF(dec); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg.ToUserName = strings.TrimSpace(msg.ToUserName)
	msg.FromUserName = strings.TrimSpace(msg.FromUserName)
	msg.CreateTime = strings.TrimSpace(msg.CreateTime)
	msg.MsgType = strings.TrimSpace(msg.MsgType)
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.MsgType == "" {
		msg.MsgType = MsgTypeText
	}
	return msg, nil
}

// expectEOF rejects anything after the root element other than whitespace
// and comments.
func expectEOF(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
		case xml.Comment:
			continue
		}
		return fmt.Errorf("unexpected content after root element at offset %d", dec.InputOffset())
	}
}

// ReplyMessage is the passive text reply returned in the HTTP response.
// Marshal writes its text fields inside CDATA sections without escaping.
type ReplyMessage struct {
	ToUserName   string
	FromUserName string
	CreateTime   int64
	MsgType      string
	Content      string
	FuncFlag     int
}

// cdata is an element whose text is written as a CDATA section.
type cdata struct {
	Value string `xml:",cdata"`
}

type replyEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
	FuncFlag     int      `xml:"FuncFlag"`
}

// NewTextReply builds a text reply to in. Sender and recipient are swapped:
// the reply goes back to the user from the account that received the message.
func NewTextReply(in InboundMessage, content string, now time.Time) ReplyMessage {
	return ReplyMessage{
		ToUserName:   in.FromUserName,
		FromUserName: in.ToUserName,
		CreateTime:   now.Unix(),
		MsgType:      MsgTypeText,
		Content:      content,
	}
}

// Marshal encodes the reply envelope.
func (r ReplyMessage) Marshal() ([]byte, error) {
	out, err := xml.Marshal(replyEnvelope{
		ToUserName:   cdata{r.ToUserName},
		FromUserName: cdata{r.FromUserName},
		CreateTime:   r.CreateTime,
		MsgType:      cdata{r.MsgType},
		Content:      cdata{r.Content},
		FuncFlag:     r.FuncFlag,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return out, nil
}
