package ssh

import (
	"fmt"
	"math/big"
	"reflect"
)

// Message tag bytes (RFC 4253/4252/4254).
const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6

	msgKexInit     = 20
	msgNewKeys     = 21
	msgKexECDHInit = 30

	msgKexECDHReply = 31

	msgUserAuthRequest         = 50
	msgUserAuthFailure         = 51
	msgUserAuthSuccess         = 52
	msgUserAuthBanner          = 53
	msgUserAuthPubKeyOk        = 60
	msgUserAuthPasswdChangeReq = 60

	msgGlobalRequest  = 80
	msgRequestSuccess = 81
	msgRequestFailure = 82

	msgChannelOpen         = 90
	msgChannelOpenConfirm  = 91
	msgChannelOpenFailure  = 92
	msgChannelWindowAdjust = 93
	msgChannelData         = 94
	msgChannelExtendedData = 95
	msgChannelEOF          = 96
	msgChannelClose        = 97
	msgChannelRequest      = 98
	msgChannelSuccess      = 99
	msgChannelFailure      = 100
)

// Disconnection reason codes, RFC 4253 §11.1.
const (
	DisconnectHostNotAllowedToConnect = 1
	DisconnectProtocolError           = 2
	DisconnectKeyExchangeFailed       = 3
	DisconnectReserved                = 4
	DisconnectMACError                = 5
	DisconnectCompressionError        = 6
	DisconnectServiceNotAvailable     = 7
	DisconnectProtocolVersionNotSupported = 8
	DisconnectHostKeyNotVerifiable    = 9
	DisconnectConnectionLost          = 10
	DisconnectByApplication           = 11
	DisconnectTooManyConnections      = 12
	DisconnectAuthCancelledByUser     = 13
	DisconnectNoMoreAuthMethods       = 14
	DisconnectIllegalUserName         = 15
)

// Channel open failure reason codes, RFC 4254 §5.1.
const (
	ChannelOpenAdministrativelyProhibited = 1
	ChannelOpenConnectFailed              = 2
	ChannelOpenUnknownChannelType          = 3
	ChannelOpenResourceShortage            = 4
)

type disconnectMsg struct {
	Reason      uint32
	Message     string
	Language    string
}

type ignoreMsg struct {
	Data string
}

type unimplementedMsg struct {
	SeqNum uint32
}

type debugMsg struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

type serviceRequestMsg struct {
	Service string
}

type serviceAcceptMsg struct {
	Service string
}

type kexInitMsg struct {
	Cookie                  [16]byte
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type kexECDHInitMsg struct {
	ClientPubKey []byte
}

type kexECDHReplyMsg struct {
	HostKey         []byte
	EphemeralPubKey []byte
	Signature       []byte
}

type userAuthRequestMsg struct {
	User    string
	Service string
	Method  string
	Rest    []byte `ssh:"rest"`
}

type userAuthFailureMsg struct {
	Methods        []string
	PartialSuccess bool
}

type userAuthSuccessMsg struct{}

type newKeysMsg struct{}

type userAuthBannerMsg struct {
	Message  string
	Language string
}

// userAuthPubKeyOkMsg is sent by the server in reply to a signature-less
// publickey probe (§4.5); it shares tag 60 with userAuthPasswdChangeReqMsg,
// disambiguated by which method is in flight.
type userAuthPubKeyOkMsg struct {
	Algo   string
	PubKey []byte
}

type userAuthPasswdChangeReqMsg struct {
	Message  string
	Language string
}

type globalRequestMsg struct {
	Type      string
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type globalRequestSuccessMsg struct {
	Data []byte `ssh:"rest"`
}

type globalRequestFailureMsg struct {
	Data []byte `ssh:"rest"`
}

type channelOpenMsg struct {
	ChanType         string
	PeersId          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersId       uint32
	MyId          uint32
	MyWindow      uint32
	MaxPacketSize uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersId  uint32
	Reason   uint32
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersId         uint32
	AdditionalBytes uint32
}

type channelRequestMsg struct {
	PeersId   uint32
	Request   string
	WantReply bool
	RequestSpecificData []byte `ssh:"rest"`
}

type channelRequestSuccessMsg struct {
	PeersId uint32
}

type channelRequestFailureMsg struct {
	PeersId uint32
}

type channelCloseMsg struct {
	PeersId uint32
}

type channelEOFMsg struct {
	PeersId uint32
}

// channelDataMsg and channelExtendedDataMsg are used only for marshaling
// outbound CHANNEL_DATA/CHANNEL_EXTENDED_DATA; inbound packets of these
// types are never decoded through the generic path. interest.go's
// classifier reads PeersId directly off a fixed offset for performance
// (RFC 4254 "Classifier must be O(1)"), and mux.go's dispatchData parses
// Data out of the packet tail by hand, since the generic unmarshal would
// otherwise work just as well but the fast path matters on the hot
// data-forwarding loop.
type channelDataMsg struct {
	PeersId uint32
	Data    []byte
}

type channelExtendedDataMsg struct {
	PeersId  uint32
	DataType uint32
	Data     []byte
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// tagOf returns the wire tag byte a decoded message (as returned by
// decode) was parsed from; used to build UnexpectedMessageError values
// when a caller got a validly-decoded message of the wrong type.
func tagOf(msg interface{}) byte {
	switch msg.(type) {
	case *disconnectMsg:
		return msgDisconnect
	case *ignoreMsg:
		return msgIgnore
	case *unimplementedMsg:
		return msgUnimplemented
	case *debugMsg:
		return msgDebug
	case *serviceRequestMsg:
		return msgServiceRequest
	case *serviceAcceptMsg:
		return msgServiceAccept
	case *kexInitMsg:
		return msgKexInit
	case *newKeysMsg:
		return msgNewKeys
	case *kexECDHInitMsg:
		return msgKexECDHInit
	case *kexECDHReplyMsg:
		return msgKexECDHReply
	case *userAuthRequestMsg:
		return msgUserAuthRequest
	case *userAuthFailureMsg:
		return msgUserAuthFailure
	case *userAuthSuccessMsg:
		return msgUserAuthSuccess
	case *userAuthBannerMsg:
		return msgUserAuthBanner
	case *userAuthPubKeyOkMsg, *userAuthPasswdChangeReqMsg:
		return msgUserAuthPubKeyOk
	case *globalRequestMsg:
		return msgGlobalRequest
	case *globalRequestSuccessMsg:
		return msgRequestSuccess
	case *globalRequestFailureMsg:
		return msgRequestFailure
	case *channelOpenMsg:
		return msgChannelOpen
	case *channelOpenConfirmMsg:
		return msgChannelOpenConfirm
	case *channelOpenFailureMsg:
		return msgChannelOpenFailure
	case *windowAdjustMsg:
		return msgChannelWindowAdjust
	case *channelEOFMsg:
		return msgChannelEOF
	case *channelCloseMsg:
		return msgChannelClose
	case *channelRequestMsg:
		return msgChannelRequest
	case *channelRequestSuccessMsg:
		return msgChannelSuccess
	case *channelRequestFailureMsg:
		return msgChannelFailure
	default:
		return 0
	}
}

// marshal encodes msg (a pointer or value to one of the message structs
// above) prefixed with the tag byte.
func marshal(tag byte, msg interface{}) []byte {
	out := []byte{tag}
	return appendStruct(out, reflect.ValueOf(msg))
}

func appendStruct(out []byte, v reflect.Value) []byte {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if sf.Tag.Get("ssh") == "rest" {
			out = append(out, field.Bytes()...)
			continue
		}
		switch field.Kind() {
		case reflect.String:
			out = appendLenPrefixed(out, []byte(field.String()))
		case reflect.Slice:
			switch field.Type().Elem().Kind() {
			case reflect.Uint8:
				out = appendLenPrefixed(out, field.Bytes())
			case reflect.String:
				names := make([]string, field.Len())
				for j := range names {
					names[j] = field.Index(j).String()
				}
				out = appendLenPrefixed(out, []byte(joinNames(names)))
			default:
				panic(fmt.Sprintf("ssh: unsupported slice field %s", sf.Name))
			}
		case reflect.Array:
			for j := 0; j < field.Len(); j++ {
				out = append(out, byte(field.Index(j).Uint()))
			}
		case reflect.Bool:
			if field.Bool() {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case reflect.Uint8:
			out = append(out, byte(field.Uint()))
		case reflect.Uint32:
			out = appendU32(out, uint32(field.Uint()))
		case reflect.Uint64:
			buf := make([]byte, 8)
			marshalUint64(buf, field.Uint())
			out = append(out, buf...)
		case reflect.Ptr:
			if field.Type() == bigIntType {
				n := field.Interface().(*big.Int)
				buf := make([]byte, intLength(n))
				marshalInt(buf, n)
				out = append(out, buf...)
			} else {
				panic(fmt.Sprintf("ssh: unsupported pointer field %s", sf.Name))
			}
		default:
			panic(fmt.Sprintf("ssh: unsupported field kind %s on %s", field.Kind(), sf.Name))
		}
	}
	return out
}

func appendLenPrefixed(out []byte, b []byte) []byte {
	out = appendU32(out, uint32(len(b)))
	return append(out, b...)
}

// unmarshal decodes packet (including its leading tag byte) into msg,
// which must be a pointer to one of the message structs above, after
// checking that the tag byte matches wantTag.
func unmarshal(msg interface{}, packet []byte, wantTag byte) error {
	if len(packet) == 0 {
		return ParseError{0}
	}
	if packet[0] != wantTag {
		return UnexpectedMessageError{wantTag, packet[0]}
	}
	v := reflect.ValueOf(msg).Elem()
	t := v.Type()
	rest := packet[1:]
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		var ok bool
		if sf.Tag.Get("ssh") == "rest" {
			field.SetBytes(append([]byte(nil), rest...))
			rest = nil
			continue
		}
		switch field.Kind() {
		case reflect.String:
			var s []byte
			s, rest, ok = parseString(rest)
			if !ok {
				return ParseError{wantTag}
			}
			field.SetString(string(s))
		case reflect.Slice:
			switch field.Type().Elem().Kind() {
			case reflect.Uint8:
				var s []byte
				s, rest, ok = parseString(rest)
				if !ok {
					return ParseError{wantTag}
				}
				field.SetBytes(append([]byte(nil), s...))
			case reflect.String:
				var names []string
				names, rest, ok = parseNameList(rest)
				if !ok {
					return ParseError{wantTag}
				}
				field.Set(reflect.ValueOf(names))
			default:
				return fmt.Errorf("ssh: unsupported slice field %s", sf.Name)
			}
		case reflect.Array:
			n := field.Len()
			if len(rest) < n {
				return ParseError{wantTag}
			}
			for j := 0; j < n; j++ {
				field.Index(j).SetUint(uint64(rest[j]))
			}
			rest = rest[n:]
		case reflect.Bool:
			var b bool
			b, rest, ok = parseBool(rest)
			if !ok {
				return ParseError{wantTag}
			}
			field.SetBool(b)
		case reflect.Uint8:
			if len(rest) < 1 {
				return ParseError{wantTag}
			}
			field.SetUint(uint64(rest[0]))
			rest = rest[1:]
		case reflect.Uint32:
			var n uint32
			n, rest, ok = parseUint32(rest)
			if !ok {
				return ParseError{wantTag}
			}
			field.SetUint(uint64(n))
		case reflect.Uint64:
			var n uint64
			n, rest, ok = parseUint64(rest)
			if !ok {
				return ParseError{wantTag}
			}
			field.SetUint(n)
		case reflect.Ptr:
			if field.Type() == bigIntType {
				var n *big.Int
				n, rest, ok = parseInt(rest)
				if !ok {
					return ParseError{wantTag}
				}
				field.Set(reflect.ValueOf(n))
			} else {
				return fmt.Errorf("ssh: unsupported pointer field %s", sf.Name)
			}
		default:
			return fmt.Errorf("ssh: unsupported field kind %s on %s", field.Kind(), sf.Name)
		}
	}
	return nil
}

// decode classifies and parses a generic (non channel-data) transport,
// userauth, or connection packet into its typed Go representation. The
// caller is expected to have already special-cased msgChannelData and
// msgChannelExtendedData (see interest.go's classifier and mux.go's
// dispatchData) before reaching here.
func decode(packet []byte) (interface{}, error) {
	if len(packet) == 0 {
		return nil, ParseError{0}
	}
	var msg interface{}
	switch packet[0] {
	case msgDisconnect:
		msg = new(disconnectMsg)
	case msgIgnore:
		msg = new(ignoreMsg)
	case msgUnimplemented:
		msg = new(unimplementedMsg)
	case msgDebug:
		msg = new(debugMsg)
	case msgServiceRequest:
		msg = new(serviceRequestMsg)
	case msgServiceAccept:
		msg = new(serviceAcceptMsg)
	case msgKexInit:
		msg = new(kexInitMsg)
	case msgNewKeys:
		msg = new(newKeysMsg)
	case msgKexECDHInit:
		msg = new(kexECDHInitMsg)
	case msgKexECDHReply:
		msg = new(kexECDHReplyMsg)
	case msgUserAuthRequest:
		msg = new(userAuthRequestMsg)
	case msgUserAuthFailure:
		msg = new(userAuthFailureMsg)
	case msgUserAuthSuccess:
		msg = new(userAuthSuccessMsg)
	case msgUserAuthBanner:
		msg = new(userAuthBannerMsg)
	case msgGlobalRequest:
		msg = new(globalRequestMsg)
	case msgRequestSuccess:
		msg = new(globalRequestSuccessMsg)
	case msgRequestFailure:
		msg = new(globalRequestFailureMsg)
	case msgChannelOpen:
		msg = new(channelOpenMsg)
	case msgChannelOpenConfirm:
		msg = new(channelOpenConfirmMsg)
	case msgChannelOpenFailure:
		msg = new(channelOpenFailureMsg)
	case msgChannelWindowAdjust:
		msg = new(windowAdjustMsg)
	case msgChannelEOF:
		msg = new(channelEOFMsg)
	case msgChannelClose:
		msg = new(channelCloseMsg)
	case msgChannelRequest:
		msg = new(channelRequestMsg)
	case msgChannelSuccess:
		msg = new(channelRequestSuccessMsg)
	case msgChannelFailure:
		msg = new(channelRequestFailureMsg)
	default:
		return nil, UnexpectedMessageError{0, packet[0]}
	}
	if err := unmarshal(msg, packet, packet[0]); err != nil {
		return nil, err
	}
	return msg, nil
}
