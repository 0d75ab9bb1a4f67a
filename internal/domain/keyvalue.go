package domain

// KeyValuePair is a typed key lookup scoped to a tenant domain, backed by
// the value row family: the pair row names the key, its payload rides in
// the embedded value columns.
type KeyValuePair struct {
	ValueRow

	Key string
}

func (p *KeyValuePair) TypeTag() uint32 { return TagKeyValue }

func (p *KeyValuePair) CloneRecord() Record {
	cp := *p
	inner := p.ValueRow.CloneRecord().(*ValueRow)
	cp.ValueRow = *inner
	return &cp
}
