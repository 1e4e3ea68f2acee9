package memory

// region is the memory backing a pointer table.
type region struct {
	mem   []byte
	unmap func([]byte) error
}

func (o *region) release() error {
	mem := o.mem
	o.mem = nil

	if o.unmap == nil || mem == nil {
		return nil
	}

	return o.unmap(mem)
}
