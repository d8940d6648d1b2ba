package sshfx

// ClosePacket defines the SSH_FXP_CLOSE packet.
type ClosePacket struct {
	Handle string
}

func (p *ClosePacket) Type() PacketType { return PacketTypeClose }

func (p *ClosePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeClose, reqid, b, p.Handle)
}

func (p *ClosePacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	return buf.Err
}

// FStatPacket defines the SSH_FXP_FSTAT packet.
type FStatPacket struct {
	Handle string
}

func (p *FStatPacket) Type() PacketType { return PacketTypeFStat }

func (p *FStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeFStat, reqid, b, p.Handle)
}

func (p *FStatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	return buf.Err
}

// ReadDirPacket defines the SSH_FXP_READDIR packet.
type ReadDirPacket struct {
	Handle string
}

func (p *ReadDirPacket) Type() PacketType { return PacketTypeReadDir }

func (p *ReadDirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeReadDir, reqid, b, p.Handle)
}

func (p *ReadDirPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	return buf.Err
}

// FSetstatPacket defines the SSH_FXP_FSETSTAT packet.
type FSetstatPacket struct {
	Handle string
	Attrs  Attributes
}

func (p *FSetstatPacket) Type() PacketType { return PacketTypeFSetstat }

func (p *FSetstatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalWithAttrs(PacketTypeFSetstat, reqid, b, p.Handle, &p.Attrs)
}

func (p *FSetstatPacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = FSetstatPacket{Handle: buf.ConsumeString()}
	return p.Attrs.UnmarshalFrom(buf)
}

// ReadPacket defines the SSH_FXP_READ packet.
type ReadPacket struct {
	Handle string
	Offset uint64
	Length uint32
}

func (p *ReadPacket) Type() PacketType { return PacketTypeRead }

func (p *ReadPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeRead, reqid, b, 4+len(p.Handle)+8+4)
	buf.AppendString(p.Handle)
	buf.AppendUint64(p.Offset)
	buf.AppendUint32(p.Length)

	return buf.Packet(nil)
}

func (p *ReadPacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = ReadPacket{
		Handle: buf.ConsumeString(),
		Offset: buf.ConsumeUint64(),
		Length: buf.ConsumeUint32(),
	}

	return buf.Err
}

// WritePacket defines the SSH_FXP_WRITE packet.
type WritePacket struct {
	Handle string
	Offset uint64
	Data   []byte
}

func (p *WritePacket) Type() PacketType { return PacketTypeWrite }

// MarshalPacket returns the data as the payload, so it is never copied.
func (p *WritePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeWrite, reqid, b, 4+len(p.Handle)+8+4)
	buf.AppendString(p.Handle)
	buf.AppendUint64(p.Offset)
	buf.AppendUint32(uint32(len(p.Data)))

	return buf.Packet(p.Data)
}

// UnmarshalPacketBody copies the data into p.Data when it is long enough,
// and into a new slice otherwise. It never aliases buf.
func (p *WritePacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = WritePacket{
		Handle: buf.ConsumeString(),
		Offset: buf.ConsumeUint64(),
		Data:   buf.ConsumeByteSliceCopy(p.Data),
	}

	return buf.Err
}
