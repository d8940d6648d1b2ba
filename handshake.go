package nbsftp

import (
	"crypto"
	"io"
	"math/big"
	"net"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type handshakePhase int

const (
	phaseVersion handshakePhase = iota
	phaseKexInit
	phaseServerKexInit
	phaseKexReply
	phaseNewKeys
	phaseServiceRequest
	phaseServiceAccept
	phaseDone
)

// handshakeOp carries a session from Unconnected to Authenticating:
// version exchange, algorithm negotiation, ECDH key exchange, NEWKEYS,
// and the ssh-userauth service request.
type handshakeOp struct {
	s     *Session
	phase handshakePhase

	versionSent bool

	serverKexInit []byte
	algs          [numMethodCategories]string
	kex           kexAlgorithm
	clientPub     []byte

	readCipher packetCipher

	// skipGuess is set when the server sent a guessed key exchange packet
	// for an algorithm that was not chosen; that packet must be discarded.
	skipGuess bool
}

// BeginHandshake performs the SSH transport handshake.
//
// The first call moves the session from Unconnected to KeyExchange.
// When the call returns nil the server's host key has been verified,
// keys are in use, and the session is Authenticating.
// Calling it again after that is a no-op.
func (s *Session) BeginHandshake() error {
	_, err := run(s, opKey{name: "handshake"}, func() *handshakeOp {
		return &handshakeOp{s: s}
	})
	return err
}

func (op *handshakeOp) step() error {
	s := op.s

	if op.phase == phaseVersion && !op.versionSent {
		switch s.State() {
		case StateUnconnected:
			s.setState(StateKeyExchange)
		case StateAuthenticating, StateReady:
			return nil
		default:
			return newError(CodeInvalidState, "handshake", errors.Errorf("session %s", s.State()))
		}
	}

	for {
		var err error

		switch op.phase {
		case phaseVersion:
			err = op.exchangeVersions()
		case phaseKexInit:
			err = op.sendKexInit()
		case phaseServerKexInit:
			err = op.readServerKexInit()
		case phaseKexReply:
			err = op.readKexReply()
		case phaseNewKeys:
			err = op.readNewKeys()
		case phaseServiceRequest:
			err = s.send(serviceRequestMsg{Service: "ssh-userauth"})
		case phaseServiceAccept:
			err = op.readServiceAccept()
		case phaseDone:
			s.setState(StateAuthenticating)
			return nil
		}

		if err != nil {
			return err
		}

		op.phase++
	}
}

func (op *handshakeOp) exchangeVersions() error {
	s := op.s

	if !op.versionSent {
		s.conn.writeRaw([]byte(s.clientVersion + "\r\n"))
		op.versionSent = true
	}

	if err := s.conn.flush(); err != nil {
		return err
	}

	for {
		line, err := s.conn.readLine()
		if err != nil {
			return err
		}

		// Servers may send other lines of data before the version string, RFC 4253 section 4.2.
		if !strings.HasPrefix(line, "SSH-") {
			continue
		}

		if !strings.HasPrefix(line, "SSH-2.0-") && !strings.HasPrefix(line, "SSH-1.99-") {
			return protocolErrorf("version exchange", "unsupported protocol version %q", line)
		}

		s.serverVersion = line
		s.log.Debug("server version", zap.String("version", line))
		return nil
	}
}

func (op *handshakeOp) sendKexInit() error {
	s := op.s

	msg := kexInitMsg{
		KexAlgos:                s.preference(MethodKex),
		ServerHostKeyAlgos:      s.preference(MethodHostKey),
		CiphersClientServer:     s.preference(MethodCipherClientToServer),
		CiphersServerClient:     s.preference(MethodCipherServerToClient),
		MACsClientServer:        s.preference(MethodMACClientToServer),
		MACsServerClient:        s.preference(MethodMACServerToClient),
		CompressionClientServer: s.preference(MethodCompressionClientToServer),
		CompressionServerClient: s.preference(MethodCompressionServerToClient),
	}

	if _, err := io.ReadFull(s.rand, msg.Cookie[:]); err != nil {
		return newError(CodeTransportError, "kexinit", err)
	}

	s.kexInit = marshal(msg)
	return s.sendPayload(s.kexInit)
}

func (op *handshakeOp) readServerKexInit() error {
	s := op.s

	payload, err := s.nextPacket()
	if err != nil {
		return err
	}

	if payload[0] != msgKexInit {
		return protocolErrorf("kexinit", "unexpected message %d, want KEXINIT", payload[0])
	}

	var server, client kexInitMsg
	if err := ssh.Unmarshal(payload, &server); err != nil {
		return newError(CodeProtocolError, "kexinit", err)
	}
	if err := ssh.Unmarshal(s.kexInit, &client); err != nil {
		return newError(CodeProtocolError, "kexinit", err)
	}

	algs, err := negotiate(&client, &server)
	if err != nil {
		return newError(CodeProtocolError, "negotiate", err)
	}

	// A guess is right only if both first kex and host key algorithms match the chosen ones.
	if server.FirstKexFollows && (server.KexAlgos[0] != algs[MethodKex] || server.ServerHostKeyAlgos[0] != algs[MethodHostKey]) {
		op.skipGuess = true
	}

	op.serverKexInit = payload
	op.algs = algs
	s.negotiated = algs

	fields := make([]zap.Field, 0, numMethodCategories)
	for cat := MethodCategory(0); cat < numMethodCategories; cat++ {
		fields = append(fields, zap.String(cat.String(), algs[cat]))
	}
	s.log.Debug("negotiated methods", fields...)

	op.kex, err = newKexAlgorithm(algs[MethodKex])
	if err != nil {
		return newError(CodeProtocolError, "negotiate", err)
	}

	op.clientPub, err = op.kex.start(s.rand)
	if err != nil {
		return newError(CodeTransportError, "kex", err)
	}

	return s.send(kexECDHInitMsg{ClientPubKey: op.clientPub})
}

func (op *handshakeOp) readKexReply() error {
	s := op.s

	payload, err := s.nextPacket()
	if err != nil {
		return err
	}

	if op.skipGuess && payload[0] >= 30 && payload[0] <= 49 {
		op.skipGuess = false

		if payload, err = s.nextPacket(); err != nil {
			return err
		}
	}

	if payload[0] != msgKexECDHReply {
		return protocolErrorf("kex", "unexpected message %d, want KEX_ECDH_REPLY", payload[0])
	}

	var reply kexECDHReplyMsg
	if err := ssh.Unmarshal(payload, &reply); err != nil {
		return newError(CodeProtocolError, "kex", err)
	}

	k, err := op.kex.finish(reply.EphemeralPubKey)
	if err != nil {
		return newError(CodeProtocolError, "kex", err)
	}

	h := op.kex.hash()
	exH := exchangeHash(h, s.clientVersion, s.serverVersion, s.kexInit, op.serverKexInit, reply.HostKey, op.clientPub, reply.EphemeralPubKey, k)

	key, err := s.verifyHostKey(op.algs[MethodHostKey], reply.HostKey, reply.Signature, exH)
	if err != nil {
		return err
	}

	if s.sessionID == nil {
		s.sessionID = exH
	}
	s.hostKey = key

	return op.switchKeys(h, k, exH)
}

// switchKeys queues NEWKEYS under the old keys, then seals everything after it with the new ones.
// The new read keys wait for the server's NEWKEYS.
func (op *handshakeOp) switchKeys(h crypto.Hash, k *big.Int, exH []byte) error {
	s := op.s

	write, read, err := newCiphers(op.algs, h, k, exH, s.sessionID)
	if err != nil {
		return newError(CodeProtocolError, "newkeys", err)
	}

	if err := s.sendPayload([]byte{msgNewKeys}); err != nil {
		return err
	}

	s.conn.writeCipher = write
	op.readCipher = read
	return nil
}

func (op *handshakeOp) readNewKeys() error {
	s := op.s

	payload, err := s.nextPacket()
	if err != nil {
		return err
	}

	if payload[0] != msgNewKeys || len(payload) != 1 {
		return protocolErrorf("newkeys", "unexpected message %d, want NEWKEYS", payload[0])
	}

	s.conn.readCipher = op.readCipher
	op.readCipher = nil
	return nil
}

func (op *handshakeOp) readServiceAccept() error {
	s := op.s

	payload, err := s.nextPacket()
	if err != nil {
		return err
	}

	if payload[0] == msgKexInit {
		return protocolErrorf("service request", "server initiated key re-exchange, which is not supported")
	}

	var msg serviceAcceptMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return newError(CodeProtocolError, "service request", err)
	}

	if msg.Service != "ssh-userauth" {
		return protocolErrorf("service request", "server accepted service %q", msg.Service)
	}

	return nil
}

// verifyHostKey checks the exchange hash signature against the host key,
// then asks the host key callback whether the key is trusted.
func (s *Session) verifyHostKey(algo string, keyBlob, sigBlob, exH []byte) (ssh.PublicKey, error) {
	const op = "host key"

	key, err := ssh.ParsePublicKey(keyBlob)
	if err != nil {
		return nil, newError(CodeProtocolError, op, err)
	}

	if key.Type() != keyTypeForAlgo(algo) {
		return nil, protocolErrorf(op, "server sent %s key for algorithm %s", key.Type(), algo)
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return nil, newError(CodeProtocolError, op, err)
	}

	if sig.Format != algo {
		return nil, protocolErrorf(op, "signature format %s does not match algorithm %s", sig.Format, algo)
	}

	if err := key.Verify(exH, &sig); err != nil {
		return nil, newError(CodeHostKeyRejected, op, errors.Wrap(err, "exchange hash signature"))
	}

	if err := s.hostKeyCallback(s.hostname, s.remoteAddr(), key); err != nil {
		return nil, newError(CodeHostKeyRejected, op, err)
	}

	s.log.Debug("host key accepted", zap.String("type", key.Type()), zap.String("fingerprint", ssh.FingerprintSHA256(key)))
	return key, nil
}

func (s *Session) remoteAddr() net.Addr {
	if ra, ok := s.t.(interface{ RemoteAddr() net.Addr }); ok {
		return ra.RemoteAddr()
	}
	return nil
}
