package sshfx

// startRequest begins a typ request in b, or in a fresh buffer with room for size
// bytes after the request id when b is too small to hold the header.
func startRequest(typ PacketType, reqid uint32, b []byte, size int) *Buffer {
	buf := NewBuffer(b)
	if buf.Cap() < 9 {
		buf = NewMarshalBuffer(size)
	}

	buf.StartPacket(typ, reqid)
	return buf
}

// marshalStrings encodes a request whose body is only the given strings, in order.
func marshalStrings(typ PacketType, reqid uint32, b []byte, fields ...string) (header, payload []byte, err error) {
	var size int
	for _, f := range fields {
		size += 4 + len(f)
	}

	buf := startRequest(typ, reqid, b, size)
	for _, f := range fields {
		buf.AppendString(f)
	}

	return buf.Packet(nil)
}

// marshalWithAttrs encodes a request of a single string followed by ATTRS.
func marshalWithAttrs(typ PacketType, reqid uint32, b []byte, s string, attrs *Attributes) (header, payload []byte, err error) {
	buf := startRequest(typ, reqid, b, 4+len(s)+attrs.Len())
	buf.AppendString(s)
	attrs.MarshalInto(buf)

	return buf.Packet(nil)
}

// The path requests below carry a single path string.
// Their UnmarshalPacketBody methods assume the uint32(request-id) has already been consumed.

// LStatPacket defines the SSH_FXP_LSTAT packet.
type LStatPacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *LStatPacket) Type() PacketType { return PacketTypeLStat }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *LStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeLStat, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
func (p *LStatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// StatPacket defines the SSH_FXP_STAT packet.
type StatPacket struct {
	Path string
}

func (p *StatPacket) Type() PacketType { return PacketTypeStat }

func (p *StatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeStat, reqid, b, p.Path)
}

func (p *StatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// RemovePacket defines the SSH_FXP_REMOVE packet.
type RemovePacket struct {
	Path string
}

func (p *RemovePacket) Type() PacketType { return PacketTypeRemove }

func (p *RemovePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRemove, reqid, b, p.Path)
}

func (p *RemovePacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// RmdirPacket defines the SSH_FXP_RMDIR packet.
type RmdirPacket struct {
	Path string
}

func (p *RmdirPacket) Type() PacketType { return PacketTypeRmdir }

func (p *RmdirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRmdir, reqid, b, p.Path)
}

func (p *RmdirPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// RealPathPacket defines the SSH_FXP_REALPATH packet.
type RealPathPacket struct {
	Path string
}

func (p *RealPathPacket) Type() PacketType { return PacketTypeRealPath }

func (p *RealPathPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRealPath, reqid, b, p.Path)
}

func (p *RealPathPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// ReadLinkPacket defines the SSH_FXP_READLINK packet.
type ReadLinkPacket struct {
	Path string
}

func (p *ReadLinkPacket) Type() PacketType { return PacketTypeReadLink }

func (p *ReadLinkPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeReadLink, reqid, b, p.Path)
}

func (p *ReadLinkPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// SetstatPacket defines the SSH_FXP_SETSTAT packet.
type SetstatPacket struct {
	Path  string
	Attrs Attributes
}

func (p *SetstatPacket) Type() PacketType { return PacketTypeSetstat }

func (p *SetstatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalWithAttrs(PacketTypeSetstat, reqid, b, p.Path, &p.Attrs)
}

func (p *SetstatPacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = SetstatPacket{Path: buf.ConsumeString()}
	return p.Attrs.UnmarshalFrom(buf)
}

// MkdirPacket defines the SSH_FXP_MKDIR packet.
type MkdirPacket struct {
	Path  string
	Attrs Attributes
}

func (p *MkdirPacket) Type() PacketType { return PacketTypeMkdir }

func (p *MkdirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalWithAttrs(PacketTypeMkdir, reqid, b, p.Path, &p.Attrs)
}

func (p *MkdirPacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = MkdirPacket{Path: buf.ConsumeString()}
	return p.Attrs.UnmarshalFrom(buf)
}

// RenamePacket defines the SSH_FXP_RENAME packet.
type RenamePacket struct {
	OldPath string
	NewPath string
}

func (p *RenamePacket) Type() PacketType { return PacketTypeRename }

func (p *RenamePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRename, reqid, b, p.OldPath, p.NewPath)
}

func (p *RenamePacket) UnmarshalPacketBody(buf *Buffer) error {
	p.OldPath = buf.ConsumeString()
	p.NewPath = buf.ConsumeString()
	return buf.Err
}

// SymlinkPacket defines the SSH_FXP_SYMLINK packet.
//
// OpenSSH puts the target path first on the wire,
// contrary to draft-ietf-secsh-filexfer-02, and so does this.
type SymlinkPacket struct {
	LinkPath   string
	TargetPath string
}

func (p *SymlinkPacket) Type() PacketType { return PacketTypeSymlink }

func (p *SymlinkPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeSymlink, reqid, b, p.TargetPath, p.LinkPath)
}

func (p *SymlinkPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.TargetPath = buf.ConsumeString()
	p.LinkPath = buf.ConsumeString()
	return buf.Err
}
