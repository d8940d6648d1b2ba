package sshfx

// InitPacket defines the SSH_FXP_INIT packet.
type InitPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalBinary returns p as the binary encoding of p.
func (p *InitPacket) MarshalBinary() ([]byte, error) {
	return marshalVersioned(PacketTypeInit, p.Version, p.Extensions)
}

// UnmarshalBinary unmarshals a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
// It is also assumed that the uint8(type) has already been consumed to which packet to unmarshal into.
func (p *InitPacket) UnmarshalBinary(data []byte) (err error) {
	p.Version, p.Extensions, err = unmarshalVersioned(NewBuffer(data))
	return err
}

// VersionPacket defines the SSH_FXP_VERSION packet.
type VersionPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalBinary returns p as the binary encoding of p.
func (p *VersionPacket) MarshalBinary() ([]byte, error) {
	return marshalVersioned(PacketTypeVersion, p.Version, p.Extensions)
}

// UnmarshalBinary unmarshals a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
// It is also assumed that the uint8(type) has already been consumed to which packet to unmarshal into.
func (p *VersionPacket) UnmarshalBinary(data []byte) (err error) {
	p.Version, p.Extensions, err = unmarshalVersioned(NewBuffer(data))
	return err
}

func marshalVersioned(typ PacketType, version uint32, exts []*ExtensionPair) ([]byte, error) {
	// byte(type) + uint32(version)
	size := 1 + 4

	for _, ext := range exts {
		size += ext.Len()
	}

	b := NewBuffer(make([]byte, 4, 4+size))
	b.AppendUint8(uint8(typ))
	b.AppendUint32(version)

	for _, ext := range exts {
		ext.MarshalInto(b)
	}

	b.PutLength(size)

	return b.Bytes(), nil
}

func unmarshalVersioned(buf *Buffer) (version uint32, exts []*ExtensionPair, err error) {
	version = buf.ConsumeUint32()

	for buf.Len() > 0 {
		var ext ExtensionPair
		if err := ext.UnmarshalFrom(buf); err != nil {
			return 0, nil, err
		}

		exts = append(exts, &ext)
	}

	return version, exts, buf.Err
}
