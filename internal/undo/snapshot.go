package undo

import "fmt"

func (m *Manager) encode(s Snapshot) entry {
	e := entry{author: s.Author, at: s.At}
	if m.compressAbove >= 0 && len(s.Content) > m.compressAbove {
		e.data = m.encoder.EncodeAll([]byte(s.Content), nil)
		e.compressed = true
		return e
	}
	e.data = []byte(s.Content)
	return e
}

func (m *Manager) decode(e entry) (Snapshot, error) {
	s := Snapshot{Author: e.author, At: e.at}
	if !e.compressed {
		s.Content = string(e.data)
		return s, nil
	}
	raw, err := m.decoder.DecodeAll(e.data, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	s.Content = string(raw)
	return s, nil
}
