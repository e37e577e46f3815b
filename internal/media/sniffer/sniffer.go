// Package sniffer identifies image payloads by magic bytes instead of
// trusting the filename extension.
package sniffer

import (
	"bytes"
	"errors"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypeHEIC MediaType = "heic"
	TypeHEIF MediaType = "heif"
)

var ErrUnknownType = errors.New("unknown media type")

type Result struct {
	Type MediaType
	MIME string
}

func DetectHead(head []byte) (Result, error) {
	if len(head) == 0 {
		return Result{}, ErrUnknownType
	}

	if isJPEG(head) {
		return Result{Type: TypeJPEG, MIME: "image/jpeg"}, nil
	}
	if brand, ok := ftypBrand(head); ok {
		switch brand {
		case "heic", "heix", "hevc", "hevx":
			return Result{Type: TypeHEIC, MIME: "image/heic"}, nil
		case "mif1", "msf1", "heim", "heis":
			return Result{Type: TypeHEIF, MIME: "image/heif"}, nil
		}
	}

	return Result{}, ErrUnknownType
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

// ftypBrand returns the major brand of an ISO BMFF "ftyp" box, which is
// how HEIC/HEIF containers announce themselves.
func ftypBrand(head []byte) (string, bool) {
	if len(head) < 12 {
		return "", false
	}
	if !bytes.Equal(head[4:8], []byte("ftyp")) {
		return "", false
	}
	return string(head[8:12]), true
}
