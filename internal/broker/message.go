package broker

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrBadMessage is returned for bus messages missing a channel or carrying an undecodable payload.
var ErrBadMessage = errors.New("bad bus message")

const (
	fieldChannel    = "channel"
	fieldPayload    = "payload"
	fieldSubscribed = "subscribed"
)

// encodeMessage wraps a bus message. The payload is base64 so arbitrary bytes survive proto string fields.
func encodeMessage(channel string, payload []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldChannel: structpb.NewStringValue(channel),
		fieldPayload: structpb.NewStringValue(base64.StdEncoding.EncodeToString(payload)),
	}}
}

func decodeMessage(msg *structpb.Struct) (string, []byte, error) {
	channel := msg.GetFields()[fieldChannel].GetStringValue()
	if channel == "" {
		return "", nil, fmt.Errorf("%w: missing channel", ErrBadMessage)
	}
	payload, err := base64.StdEncoding.DecodeString(msg.GetFields()[fieldPayload].GetStringValue())
	if err != nil {
		return "", nil, fmt.Errorf("%w: payload: %v", ErrBadMessage, err)
	}
	return channel, payload, nil
}

func ackMessage() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSubscribed: structpb.NewBoolValue(true),
	}}
}

func isAck(msg *structpb.Struct) bool {
	return msg.GetFields()[fieldSubscribed].GetBoolValue()
}
