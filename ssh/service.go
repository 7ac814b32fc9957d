package ssh

// requestService implements the client half of RFC 4252's first
// paragraph: send SERVICE_REQUEST and wait for SERVICE_ACCEPT, failing if
// the peer disconnects instead (it will, with SERVICE_NOT_AVAILABLE, if it
// has no handler for name).
func requestService(s *Session, name string) error {
	if err := s.send(msgServiceRequest, serviceRequestMsg{Service: name}); err != nil {
		return err
	}
	msg, err := s.recv()
	if err != nil {
		return err
	}
	accept, ok := msg.(*serviceAcceptMsg)
	if !ok {
		return UnexpectedMessageError{expected: msgServiceAccept, got: tagOf(msg)}
	}
	if accept.Service != name {
		return &ProtocolError{Reason: "service accept for unexpected service " + accept.Service}
	}
	return nil
}

// serveService implements the server half: wait for a SERVICE_REQUEST
// naming one of the accepted services and reply SERVICE_ACCEPT, or
// disconnect with SERVICE_NOT_AVAILABLE if none match.
func serveService(s *Session, accepted ...string) (string, error) {
	msg, err := s.recv()
	if err != nil {
		return "", err
	}
	req, ok := msg.(*serviceRequestMsg)
	if !ok {
		s.Disconnect(DisconnectProtocolError, "expected SERVICE_REQUEST")
		return "", UnexpectedMessageError{expected: msgServiceRequest, got: tagOf(msg)}
	}
	for _, name := range accepted {
		if req.Service == name {
			if err := s.send(msgServiceAccept, serviceAcceptMsg{Service: name}); err != nil {
				return "", err
			}
			return name, nil
		}
	}
	s.Disconnect(DisconnectServiceNotAvailable, "no handler for service "+req.Service)
	return "", ErrServiceNotAvailable
}
