// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa os formatos de wire do n-relay: o header binário
// dos streams I/Q (FT32/DATA, little-endian) e o protocolo NDJSON de discovery.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magics dos frames de stream (valores little-endian no wire).
const (
	MagicStream uint32 = 0x46543332 // "FT32" — header de stream
	MagicData   uint32 = 0x44415441 // "DATA" — frame de dados do producer
)

// Sample rates dos dois streams do relay.
const (
	DetectorSampleRate uint32 = 50000
	DisplaySampleRate  uint32 = 12000
)

// BytesPerSample é o pior caso por amostra I/Q: 2 × float32.
const BytesPerSample = 8

// Tamanhos fixos dos headers no wire.
const (
	StreamHeaderSize = 16
	DataHeaderSize   = 16
)

// Erros do protocolo de stream.
var (
	ErrInvalidMagic = errors.New("protocol: invalid magic")
	ErrShortHeader  = errors.New("protocol: short header")
)

// StreamHeader é o header de 16 bytes enviado uma única vez a cada consumer:
// magic "FT32", sample rate e duas words reservadas em zero.
type StreamHeader struct {
	SampleRate uint32
}

// EncodeStreamHeader serializa o header de stream (little-endian).
func EncodeStreamHeader(sampleRate uint32) [StreamHeaderSize]byte {
	var b [StreamHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], MagicStream)
	binary.LittleEndian.PutUint32(b[4:8], sampleRate)
	// offsets 8 e 12 reservados, zero
	return b
}

// ParseStreamHeader valida e decodifica um header de stream.
func ParseStreamHeader(b []byte) (StreamHeader, error) {
	if len(b) < StreamHeaderSize {
		return StreamHeader{}, ErrShortHeader
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MagicStream {
		return StreamHeader{}, ErrInvalidMagic
	}
	return StreamHeader{SampleRate: binary.LittleEndian.Uint32(b[4:8])}, nil
}

// DataHeader precede cada frame de dados emitido pelo producer. O relay
// encaminha os frames verbatim; o tipo existe para os peers e para testes.
type DataHeader struct {
	Seq        uint32
	NumSamples uint32
	Flags      uint32
}

// PayloadBytes retorna o tamanho do payload I/Q que segue o header.
func (h DataHeader) PayloadBytes() int {
	return int(h.NumSamples) * BytesPerSample
}

// EncodeDataHeader serializa um header de frame de dados (little-endian).
func EncodeDataHeader(h DataHeader) [DataHeaderSize]byte {
	var b [DataHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], MagicData)
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
	binary.LittleEndian.PutUint32(b[8:12], h.NumSamples)
	binary.LittleEndian.PutUint32(b[12:16], h.Flags)
	return b
}

// ParseDataHeader valida e decodifica um header de frame de dados.
func ParseDataHeader(b []byte) (DataHeader, error) {
	if len(b) < DataHeaderSize {
		return DataHeader{}, ErrShortHeader
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MagicData {
		return DataHeader{}, ErrInvalidMagic
	}
	return DataHeader{
		Seq:        binary.LittleEndian.Uint32(b[4:8]),
		NumSamples: binary.LittleEndian.Uint32(b[8:12]),
		Flags:      binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// ReadStreamHeader lê e valida o header de stream de um reader (peers/testes).
func ReadStreamHeader(r io.Reader) (StreamHeader, error) {
	var b [StreamHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return StreamHeader{}, fmt.Errorf("reading stream header: %w", err)
	}
	return ParseStreamHeader(b[:])
}

// ReadDataFrame lê um frame de dados completo (header + payload) de um reader.
func ReadDataFrame(r io.Reader) (DataHeader, []byte, error) {
	var hb [DataHeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return DataHeader{}, nil, fmt.Errorf("reading data header: %w", err)
	}
	h, err := ParseDataHeader(hb[:])
	if err != nil {
		return DataHeader{}, nil, err
	}
	payload := make([]byte, h.PayloadBytes())
	if _, err := io.ReadFull(r, payload); err != nil {
		return DataHeader{}, nil, fmt.Errorf("reading data payload: %w", err)
	}
	return h, payload, nil
}
