package protocol

// Version is the current wire protocol version. Every frame carries it; a
// peer refuses frames from an incompatible version instead of guessing at
// byte layouts.
const (
	Version    = 1
	MinVersion = 1
)

type MessageType uint8

const (
	MessageTypeKeyExchange      MessageType = 1
	MessageTypeKeyExchangeReply MessageType = 2
	MessageTypeKeyConfirm       MessageType = 3
	MessageTypeOffer            MessageType = 4
	MessageTypeOfferAck         MessageType = 5
	MessageTypeChunk            MessageType = 6
	MessageTypeAck              MessageType = 7
	MessageTypeParity           MessageType = 8
	MessageTypeComplete         MessageType = 9
	MessageTypeError            MessageType = 10
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeKeyExchange:
		return "KEY_EXCHANGE"
	case MessageTypeKeyExchangeReply:
		return "KEY_EXCHANGE_REPLY"
	case MessageTypeKeyConfirm:
		return "KEY_CONFIRM"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeOfferAck:
		return "OFFER_ACK"
	case MessageTypeChunk:
		return "CHUNK"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeParity:
		return "PARITY"
	case MessageTypeComplete:
		return "COMPLETE"
	case MessageTypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
