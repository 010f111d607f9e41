package wire

// Release drops MetaBuf and BodyBuf exactly once and nils both fields so a
// second call is a no-op rather than a double free. Codecs that transfer a
// buffer's ownership elsewhere (e.g. an attachment) nil that field
// themselves first so this call does not also release it.
func (rp *RawPacket) Release() {
	if rp.MetaBuf != nil {
		rp.MetaBuf.Release()
		rp.MetaBuf = nil
	}
	if rp.BodyBuf != nil {
		rp.BodyBuf.Release()
		rp.BodyBuf = nil
	}
}

// Release drops the request's attachment ownership, if any, exactly once.
func (r *Request) Release() {
	if r.AttachmentOwner != nil {
		r.AttachmentOwner.Release()
		r.AttachmentOwner = nil
	}
}

// Release drops the response's attachment ownership, if any, exactly once.
func (r *Response) Release() {
	if r.AttachmentOwner != nil {
		r.AttachmentOwner.Release()
		r.AttachmentOwner = nil
	}
}
