// Package encoding implements the ASN.1 BER and PER primitives used by
// the T.125 (MCS) and T.124 (GCC) layers.
package encoding

// Identifier octet layout: class (bits 7-6), primitive/constructed
// (bit 5), tag number (bits 4-0).
const (
	ClassUniversal   uint8 = 0x00
	ClassApplication uint8 = 0x40

	PCPrimitive uint8 = 0x00
	PCConstruct uint8 = 0x20

	TagMask uint8 = 0x1F
)

// Universal tag numbers needed for the MCS connect sequence.
const (
	TagBoolean     uint8 = 0x01
	TagInteger     uint8 = 0x02
	TagOctetString uint8 = 0x04
	TagEnumerated  uint8 = 0x0A
	TagSequence    uint8 = 0x10
)
