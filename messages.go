package nbsftp

import (
	"golang.org/x/crypto/ssh"
)

// SSH message numbers, RFC 4250 section 4.1.
const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6
	msgExtInfo        = 7

	msgKexInit       = 20
	msgNewKeys       = 21
	msgKexECDHInit   = 30
	msgKexECDHReply  = 31
	msgUserAuthReq   = 50
	msgUserAuthFail  = 51
	msgUserAuthOK    = 52
	msgUserAuthBnr   = 53
	msgUserAuthInfo  = 60 // SSH_MSG_USERAUTH_PASSWD_CHANGEREQ / SSH_MSG_USERAUTH_PK_OK
	msgGlobalRequest = 80
	msgRequestOK     = 81
	msgRequestFail   = 82

	msgChannelOpen        = 90
	msgChannelOpenConfirm = 91
	msgChannelOpenFailure = 92
	msgChannelWindowAdj   = 93
	msgChannelData        = 94
	msgChannelExtData     = 95
	msgChannelEOF         = 96
	msgChannelClose       = 97
	msgChannelRequest     = 98
	msgChannelSuccess     = 99
	msgChannelFailure     = 100
)

// Disconnect reason codes, RFC 4253 section 11.1.
const (
	disconnectProtocolError = 2
	disconnectByApplication = 11
)

// Channel open failure reason codes, RFC 4254 section 5.1.
const (
	openAdministrativelyProhibited = 1
)

// Messages below are encoded with ssh.Marshal and decoded with ssh.Unmarshal,
// which read the message number from the sshtype tag.

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type unimplementedMsg struct {
	Seq uint32 `sshtype:"3"`
}

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
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
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

type userAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type userAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type userAuthBannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

type passwordAuthMsg struct {
	Change   bool
	Password string
}

type publickeyAuthMsg struct {
	HasSig    bool
	Algorithm string
	PubKey    []byte
	Signature []byte
}

// publickeySignedData is the blob signed for publickey authentication, RFC 4252 section 7.
type publickeySignedData struct {
	SessionID []byte
	Type      byte
	User      string
	Service   string
	Method    string
	HasSig    bool
	Algorithm string
	PubKey    []byte
}

type globalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type globalRequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

type channelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type channelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Data    []byte
}

type channelExtendedDataMsg struct {
	PeersID  uint32 `sshtype:"95"`
	DataType uint32
	Data     []byte
}

type channelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type channelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type channelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

type channelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

type channelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

// Channel request payloads.

type subsystemRequestMsg struct {
	Subsystem string
}

type execRequestMsg struct {
	Command string
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// marshal wraps ssh.Marshal so call sites read as protocol steps.
func marshal(msg any) []byte {
	return ssh.Marshal(msg)
}
