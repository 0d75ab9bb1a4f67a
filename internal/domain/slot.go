package domain

// SlotKey identifies which logical field of an owner a generic value
// container fills. The encoding packs the owner class tag into the high
// 32 bits and the element id into the low 32 bits, so the concrete owner
// type can be resolved without a join. The encoding is persisted.
type SlotKey int64

// MakeSlot builds a slot key from an owner class tag and an element id.
func MakeSlot(classTag uint32, elementID uint32) SlotKey {
	return SlotKey(int64(classTag)<<32 | int64(elementID))
}

// ClassTag returns the owner class discriminator of the slot.
func (s SlotKey) ClassTag() uint32 {
	return uint32(uint64(s) >> 32)
}

// ElementID returns the logical field id within the owner class.
func (s SlotKey) ElementID() uint32 {
	return uint32(uint64(s) & 0xffffffff)
}
