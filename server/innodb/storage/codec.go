package storage

import (
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec 块在存储中的编码方式
type Codec interface {
	Name() string
	// Encode 返回编码后的字节，不保留 src
	Encode(src []byte) ([]byte, error)
	// Decode 解码为恰好 size 字节
	Decode(src []byte, size int) ([]byte, error)
}

const (
	CodecNone   = "none"
	CodecSnappy = "snappy"
	CodecLZ4    = "lz4"
)

// 编码后首字节标记是否压缩，压缩无收益时原样存储
const (
	tagRaw        byte = 0
	tagCompressed byte = 1
)

// CodecByName 根据配置名称选择编码
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecNone:
		return rawCodec{}, nil
	case CodecSnappy:
		return snappyCodec{}, nil
	case CodecLZ4:
		return lz4Codec{}, nil
	default:
		return nil, errors.Errorf("unknown block codec %q", name)
	}
}

type rawCodec struct{}

func (rawCodec) Name() string { return CodecNone }

func (rawCodec) Encode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (rawCodec) Decode(src []byte, size int) ([]byte, error) {
	if len(src) != size {
		return nil, errors.Errorf("raw block has %d bytes, want %d", len(src), size)
	}
	out := make([]byte, size)
	copy(out, src)
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return CodecSnappy }

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	compressed := snappy.Encode(nil, src)
	if len(compressed) >= len(src) {
		return tagged(tagRaw, src), nil
	}
	return tagged(tagCompressed, compressed), nil
}

func (snappyCodec) Decode(src []byte, size int) ([]byte, error) {
	tag, body, err := untag(src)
	if err != nil {
		return nil, err
	}
	if tag == tagRaw {
		return rawCodec{}.Decode(body, size)
	}
	n, err := snappy.DecodedLen(body)
	if err != nil {
		return nil, errors.Wrap(err, "snappy header")
	}
	if n != size {
		return nil, errors.Errorf("snappy block decodes to %d bytes, want %d", n, size)
	}
	out, err := snappy.Decode(make([]byte, size), body)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return CodecLZ4 }

func (lz4Codec) Encode(src []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	// n == 0 表示不可压缩
	if n == 0 || n >= len(src) {
		return tagged(tagRaw, src), nil
	}
	return tagged(tagCompressed, compressed[:n]), nil
}

func (lz4Codec) Decode(src []byte, size int) ([]byte, error) {
	tag, body, err := untag(src)
	if err != nil {
		return nil, err
	}
	if tag == tagRaw {
		return rawCodec{}.Decode(body, size)
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	if n != size {
		return nil, errors.Errorf("lz4 block decodes to %d bytes, want %d", n, size)
	}
	return out, nil
}

func tagged(tag byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = tag
	copy(out[1:], body)
	return out
}

func untag(src []byte) (byte, []byte, error) {
	if len(src) == 0 {
		return 0, nil, errors.New("empty encoded block")
	}
	switch src[0] {
	case tagRaw, tagCompressed:
		return src[0], src[1:], nil
	default:
		return 0, nil, errors.Errorf("bad block tag %d", src[0])
	}
}
