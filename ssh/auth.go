package ssh

import (
	"fmt"
)

// ClientAuthConfig configures the client half of RFC 4252 authentication.
type ClientAuthConfig struct {
	// User is the USERAUTH_REQUEST username.
	User string

	// InnerService is the service requested alongside auth, typically
	// "ssh-connection".
	InnerService string

	// Password, if non-empty, enables the "password" method; only the
	// last configured password is retained.
	Password string

	// Signers enables the "publickey" method, tried in order.
	Signers []Signer

	// MethodOrder overrides the order in which configured methods are
	// attempted once offered by the server (the "none" probe is always
	// first and is not listed here). Defaults to
	// []string{"publickey", "password"} when nil.
	MethodOrder []string
}

func (c *ClientAuthConfig) methodOrder() []string {
	if c.MethodOrder != nil {
		return c.MethodOrder
	}
	return []string{"publickey", "password"}
}

// Authenticate drives the client authentication loop of RFC 4252 §5: a
// "none" probe to learn the server's accepted methods, then each
// configured method in order until SUCCESS or exhaustion. A FAILURE whose
// partial_success bit is set (RFC 4252 §5.1) means the method just
// attempted actually succeeded and at least one more is still required;
// the loop keeps going using the server's updated continuation list
// instead of treating it as an outright rejection.
func Authenticate(s *Session, cfg *ClientAuthConfig) error {
	if err := requestService(s, serviceUserAuth); err != nil {
		return err
	}

	tried := make(map[string]bool)
	remaining := cfg.methodOrder()

	if err := s.send(msgUserAuthRequest, userAuthRequestMsg{
		User: cfg.User, Service: cfg.InnerService, Method: "none",
	}); err != nil {
		return err
	}
	tried["none"] = true
	lastMethod := "none"

	signerIdx := 0

	for {
		packet, err := s.recvPacket()
		if err != nil {
			return err
		}
		switch packet[0] {
		case msgUserAuthSuccess:
			return nil
		case msgUserAuthBanner:
			var b userAuthBannerMsg
			if err := unmarshal(&b, packet, msgUserAuthBanner); err == nil {
				s.log.Infof("ssh: auth banner: %s", safeString(b.Message))
			}
			continue
		case msgUserAuthFailure:
			var f userAuthFailureMsg
			if err := unmarshal(&f, packet, msgUserAuthFailure); err != nil {
				return err
			}
			if f.PartialSuccess {
				s.log.Infof("ssh: auth method %q succeeded, additional authentication required", lastMethod)
			}
			offered := make(map[string]bool, len(f.Methods))
			for _, m := range f.Methods {
				offered[m] = true
			}
			method, ok := nextMethod(remaining, tried, offered)
			if !ok {
				if f.PartialSuccess {
					return fmt.Errorf("ssh: partial success but no configured method can continue (server wants one of %v)", f.Methods)
				}
				return ErrNoMoreAuthMethods
			}
			lastMethod = method
			switch method {
			case "password":
				tried["password"] = true
				if err := s.send(msgUserAuthRequest, passwordAuthRequest(cfg.User, cfg.InnerService, cfg.Password)); err != nil {
					return err
				}
			case "publickey":
				if signerIdx >= len(cfg.Signers) {
					tried["publickey"] = true
					continue
				}
				signer := cfg.Signers[signerIdx]
				signerIdx++
				if signerIdx >= len(cfg.Signers) {
					tried["publickey"] = true
				}
				if err := sendPublicKeyProbe(s, cfg.User, cfg.InnerService, signer); err != nil {
					return err
				}
			default:
				return fmt.Errorf("ssh: no handler for offered auth method %q", method)
			}
		case msgUserAuthPubKeyOk:
			// Shared tag with PASSWD_CHANGEREQ: after a password attempt it
			// is the server's change request; after a publickey probe it is
			// PK_OK, and a probe is only ever outstanding for the signer at
			// signerIdx-1.
			if lastMethod == "password" {
				return ErrPasswordExpired
			}
			if signerIdx == 0 || signerIdx > len(cfg.Signers) {
				return &ProtocolError{Reason: "unexpected PK_OK"}
			}
			signer := cfg.Signers[signerIdx-1]
			if err := sendPublicKeySigned(s, cfg.User, cfg.InnerService, signer); err != nil {
				return err
			}
		default:
			return UnexpectedMessageError{expected: msgUserAuthFailure, got: packet[0]}
		}
	}
}

// nextMethod picks the next method from order that is both offered by the
// server (continue_with) and not yet fully tried.
func nextMethod(order []string, tried, offered map[string]bool) (string, bool) {
	for _, m := range order {
		if tried[m] {
			continue
		}
		if !offered[m] {
			continue
		}
		return m, true
	}
	return "", false
}

func passwordAuthRequest(user, service, password string) userAuthRequestMsg {
	body := make([]byte, 1+stringLength(len(password)))
	body[0] = 0 // FALSE: not a response to PASSWD_CHANGEREQ
	marshalString(body[1:], []byte(password))
	return userAuthRequestMsg{User: user, Service: service, Method: "password", Rest: body}
}

// sendPublicKeyProbe sends a signature-less USERAUTH_REQUEST carrying the
// key's algorithm and blob, per RFC 4252 §7's "query the server first".
func sendPublicKeyProbe(s *Session, user, service string, signer Signer) error {
	algo := signer.PublicKey().PublicKeyAlgo()
	blob := MarshalPublicKey(signer.PublicKey())
	body := make([]byte, 1+stringLength(len(algo))+stringLength(len(blob)))
	body[0] = 0 // FALSE: no signature present
	r := marshalString(body[1:], []byte(algo))
	marshalString(r, blob)
	return s.send(msgUserAuthRequest, userAuthRequestMsg{User: user, Service: service, Method: "publickey", Rest: body})
}

// sendPublicKeySigned resends with a signature, once the server has
// confirmed the key via PK_OK.
func sendPublicKeySigned(s *Session, user, service string, signer Signer) error {
	algo := signer.PublicKey().PublicKeyAlgo()
	blob := MarshalPublicKey(signer.PublicKey())
	signed := buildDataSignedForAuth(s.SessionID(), userAuthRequestMsg{User: user, Service: service, Method: "publickey"}, []byte(algo), blob)
	sig, err := signer.Sign(s.cfg.rand(), algo, signed)
	if err != nil {
		return err
	}
	sigBlob := serializeSignature(algo, sig)

	body := make([]byte, 1+stringLength(len(algo))+stringLength(len(blob))+stringLength(len(sigBlob)))
	body[0] = 1 // TRUE: signature present
	r := marshalString(body[1:], []byte(algo))
	r = marshalString(r, blob)
	marshalString(r, sigBlob)
	return s.send(msgUserAuthRequest, userAuthRequestMsg{User: user, Service: service, Method: "publickey", Rest: body})
}

// ServerAuthConfig configures the server half of RFC 4252 authentication.
type ServerAuthConfig struct {
	InnerService string
	Banner       string

	// NoneCallback, if non-nil, is consulted for the "none" method
	// (typically used only to reject it and surface the username, or to
	// allow anonymous access).
	NoneCallback func(user string) error

	// PasswordCallback authenticates a password attempt. Returning
	// ErrPasswordExpired triggers PASSWD_CHANGEREQ.
	PasswordCallback func(user, password string) error

	// PublicKeyCallback authenticates a publickey attempt. It is called
	// once for the probe and again, with the same arguments, once the
	// signed request arrives; the callback cannot tell the two apart, so
	// a correct implementation should have no side effects beyond checking
	// the key is acceptable.
	PublicKeyCallback func(user string, key PublicKey) error

	// RequireAll, if non-empty, names every method that must succeed
	// before ServeAuth grants SUCCESS (RFC 4252 §5.1's "multiple
	// authentications" extension). A method not listed here still grants
	// SUCCESS on its own the moment it succeeds, matching plain
	// single-factor behavior; a method listed here instead earns a
	// FAILURE with partial_success=true, naming whichever required
	// methods remain, until every one of them has succeeded.
	RequireAll []string

	// DisconnectOnForgedSignature, if true, disconnects on a bad publickey
	// signature instead of the default soft FAILURE (a policy knob;
	// default false).
	DisconnectOnForgedSignature bool
}

// ErrPasswordExpired is returned by ServerAuthConfig.PasswordCallback to
// request a PASSWD_CHANGEREQ round instead of an outright failure, and by
// Authenticate when the server answers a password attempt with
// PASSWD_CHANGEREQ.
var ErrPasswordExpired = fmt.Errorf("ssh: password expired")

// authState is the server-side state machine of RFC 4252 §5.
type authState int

const (
	authUnauthorized authState = iota
	authTransient
	authAuthorized
)

// ServeAuth implements the server half of RFC 4252: accept the
// ssh-userauth service, process USERAUTH_REQUESTs via the configured
// callbacks, and return the authenticated username once every method in
// cfg.RequireAll (if any) has succeeded and SUCCESS has been sent for the
// configured InnerService.
func ServeAuth(s *Session, cfg *ServerAuthConfig) (user string, err error) {
	if _, err := serveService(s, serviceUserAuth); err != nil {
		return "", err
	}
	state := authTransient
	satisfied := make(map[string]bool)

	if cfg.Banner != "" {
		if err := s.send(msgUserAuthBanner, userAuthBannerMsg{Message: cfg.Banner}); err != nil {
			return "", err
		}
	}

	for state == authTransient {
		packet, err := s.recvPacket()
		if err != nil {
			return "", err
		}
		if packet[0] != msgUserAuthRequest {
			s.Disconnect(DisconnectProtocolError, "expected USERAUTH_REQUEST")
			return "", UnexpectedMessageError{expected: msgUserAuthRequest, got: packet[0]}
		}
		var req userAuthRequestMsg
		if err := unmarshal(&req, packet, msgUserAuthRequest); err != nil {
			return "", err
		}

		ok, changeReq, failErr := s.tryAuthMethod(cfg, req)
		if failErr == errProbeReplied {
			continue
		}
		if failErr != nil {
			return "", failErr
		}
		if changeReq {
			if err := s.send(msgUserAuthPubKeyOk, userAuthPasswdChangeReqMsg{Message: "password expired"}); err != nil {
				return "", err
			}
			continue
		}
		if !ok {
			if err := s.send(msgUserAuthFailure, userAuthFailureMsg{
				Methods: remainingMethods(cfg, satisfied), PartialSuccess: false,
			}); err != nil {
				return "", err
			}
			continue
		}

		satisfied[req.Method] = true
		if needed := remainingRequired(cfg, satisfied); len(needed) > 0 {
			if err := s.send(msgUserAuthFailure, userAuthFailureMsg{
				Methods: remainingMethods(cfg, satisfied), PartialSuccess: true,
			}); err != nil {
				return "", err
			}
			continue
		}

		if req.Service != cfg.InnerService {
			s.Disconnect(DisconnectServiceNotAvailable, "no handler for "+req.Service)
			return "", ErrServiceNotAvailable
		}
		if err := s.send(msgUserAuthSuccess, userAuthSuccessMsg{}); err != nil {
			return "", err
		}
		state = authAuthorized
		user = req.User
	}
	return user, nil
}

func offeredMethods(cfg *ServerAuthConfig) []string {
	var methods []string
	if cfg.NoneCallback != nil {
		methods = append(methods, "none")
	}
	if cfg.PasswordCallback != nil {
		methods = append(methods, "password")
	}
	if cfg.PublicKeyCallback != nil {
		methods = append(methods, "publickey")
	}
	return methods
}

// remainingMethods is offeredMethods with anything already satisfied this
// session removed, so a client mid-chain isn't invited to repeat a method
// that has already succeeded.
func remainingMethods(cfg *ServerAuthConfig, satisfied map[string]bool) []string {
	var methods []string
	for _, m := range offeredMethods(cfg) {
		if !satisfied[m] {
			methods = append(methods, m)
		}
	}
	return methods
}

// remainingRequired reports which of cfg.RequireAll have not yet
// succeeded.
func remainingRequired(cfg *ServerAuthConfig, satisfied map[string]bool) []string {
	var out []string
	for _, m := range cfg.RequireAll {
		if !satisfied[m] {
			out = append(out, m)
		}
	}
	return out
}

// tryAuthMethod dispatches one USERAUTH_REQUEST to the matching callback.
// changeReq signals the caller should send PASSWD_CHANGEREQ instead of a
// FAILURE/SUCCESS reply. Whether a successful ok represents a full or
// partial authentication is ServeAuth's decision (via cfg.RequireAll),
// not this function's.
func (s *Session) tryAuthMethod(cfg *ServerAuthConfig, req userAuthRequestMsg) (ok, changeReq bool, err error) {
	switch req.Method {
	case "none":
		if cfg.NoneCallback == nil {
			return false, false, nil
		}
		return cfg.NoneCallback(req.User) == nil, false, nil

	case "password":
		if cfg.PasswordCallback == nil {
			return false, false, nil
		}
		rest := req.Rest
		if len(rest) < 1 {
			return false, false, ParseError{msgType: msgUserAuthRequest}
		}
		rest = rest[1:] // skip FALSE change-request flag
		password, _, pok := parseString(rest)
		if !pok {
			return false, false, ParseError{msgType: msgUserAuthRequest}
		}
		cbErr := cfg.PasswordCallback(req.User, string(password))
		if cbErr == ErrPasswordExpired {
			return false, true, nil
		}
		return cbErr == nil, false, nil

	case "publickey":
		if cfg.PublicKeyCallback == nil {
			return false, false, nil
		}
		rest := req.Rest
		if len(rest) < 1 {
			return false, false, ParseError{msgType: msgUserAuthRequest}
		}
		hasSig := rest[0] == 1
		rest = rest[1:]
		algo, rest, pok := parseString(rest)
		if !pok {
			return false, false, ParseError{msgType: msgUserAuthRequest}
		}
		blob, rest, pok := parseString(rest)
		if !pok {
			return false, false, ParseError{msgType: msgUserAuthRequest}
		}
		key, extra, pok := ParsePublicKey(blob)
		if !pok || len(extra) != 0 {
			return false, false, nil
		}
		if cfg.PublicKeyCallback(req.User, key) != nil {
			return false, false, nil
		}
		if !hasSig {
			if err := s.send(msgUserAuthPubKeyOk, userAuthPubKeyOkMsg{Algo: string(algo), PubKey: blob}); err != nil {
				return false, false, err
			}
			// Reply already sent inline; signal "handled" by returning ok
			// with a sentinel the caller recognizes as "already replied".
			return true, false, errProbeReplied
		}
		sigBlob, _, pok := parseString(rest)
		if !pok {
			return false, false, ParseError{msgType: msgUserAuthRequest}
		}
		sig, sigRest, pok := parseSignatureBody(sigBlob)
		if !pok || len(sigRest) != 0 {
			return false, false, nil
		}
		signed := buildDataSignedForAuth(s.SessionID(), userAuthRequestMsg{User: req.User, Service: req.Service, Method: "publickey"}, []byte(algo), blob)
		if !key.Verify(signed, sig.Format, sig.Blob) {
			if cfg.DisconnectOnForgedSignature {
				s.Disconnect(DisconnectProtocolError, "forged publickey signature")
				return false, false, &ProtocolError{Reason: "forged publickey signature"}
			}
			return false, false, nil
		}
		return true, false, nil

	default:
		return false, false, nil
	}
}

// errProbeReplied is a sentinel ok==true combined with this error to tell
// ServeAuth the reply (PK_OK) was already written and it should just loop
// for the next request rather than also writing FAILURE/SUCCESS.
var errProbeReplied = fmt.Errorf("ssh: publickey probe reply already sent")
