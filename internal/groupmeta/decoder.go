// Package groupmeta implements the Group Metadata Decoder of spec section
// 4.4: it parses the compact key-value metadata blob each group advertises
// (couple membership, namespace, frozen flag, migration service state).
//
// The wire format is MessagePack, matching the original collector's group
// metadata blob (original_source/src/collector/Group.cpp unpacks it with
// msgpack.hpp); this package decodes it with tinylib/msgp's low-level
// Reader instead of generated (un)marshalers, since the shape is small and
// dynamic (either a keyed map or a bare array) rather than a fixed struct.
package groupmeta

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"

	"github.com/blobfleet/fleetmon/internal/ferrors"
	"github.com/blobfleet/fleetmon/internal/topology"
)

// Decoder implements topology.MetadataDecoder.
type Decoder struct{}

// NewDecoder returns a ready-to-use Decoder. It is stateless.
func NewDecoder() Decoder { return Decoder{} }

// Decode parses blob into a topology.Metadata, per spec section 4.4.
//
// Recognized top-level forms:
//   - a keyed map with fields version, couple, namespace, frozen, service
//   - a bare array of positive group ids (legacy version-1 shape), which
//     defaults namespace to "default", frozen to false, with no service
//     record
//
// Any structural violation returns a wrapped ferrors.ErrMetadataDecodeFailed
// and a zero Metadata; the caller (topology.Store) is responsible for
// leaving previously decoded fields untouched and marking the group BAD.
func (Decoder) Decode(blob []byte) (topology.Metadata, error) {
	r := msgp.NewReader(bytes.NewReader(blob))

	typ, err := r.NextType()
	if err != nil {
		return topology.Metadata{}, fmt.Errorf("%w: could not determine top-level type: %v", ferrors.ErrMetadataDecodeFailed, err)
	}

	switch typ {
	case msgp.ArrayType:
		return decodeLegacyArray(r)
	case msgp.MapType:
		return decodeKeyedMap(r)
	default:
		return topology.Metadata{}, fmt.Errorf("%w: unexpected top-level msgpack type %s", ferrors.ErrMetadataDecodeFailed, typ)
	}
}

func decodeLegacyArray(r *msgp.Reader) (topology.Metadata, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return topology.Metadata{}, fmt.Errorf("%w: couldn't read bare couple array: %v", ferrors.ErrMetadataDecodeFailed, err)
	}

	couple := make([]int, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := r.ReadInt()
		if err != nil || v <= 0 {
			return topology.Metadata{}, fmt.Errorf("%w: bare couple array element %d is not a positive integer", ferrors.ErrMetadataDecodeFailed, i)
		}
		couple = append(couple, v)
	}
	sort.Ints(couple)

	return topology.Metadata{
		Version:   1,
		Couple:    couple,
		Namespace: "default",
		Frozen:    false,
	}, nil
}

func decodeKeyedMap(r *msgp.Reader) (topology.Metadata, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return topology.Metadata{}, fmt.Errorf("%w: couldn't read map header: %v", ferrors.ErrMetadataDecodeFailed, err)
	}

	md := topology.Metadata{}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return topology.Metadata{}, fmt.Errorf("%w: couldn't read field name %d: %v", ferrors.ErrMetadataDecodeFailed, i, err)
		}

		switch key {
		case "version":
			v, err := r.ReadInt()
			if err != nil || v < 0 {
				return topology.Metadata{}, fmt.Errorf("%w: invalid 'version' value", ferrors.ErrMetadataDecodeFailed)
			}
			md.Version = v

		case "couple":
			m, err := r.ReadArrayHeader()
			if err != nil {
				return topology.Metadata{}, fmt.Errorf("%w: couldn't parse 'couple'", ferrors.ErrMetadataDecodeFailed)
			}
			couple := make([]int, 0, m)
			for j := uint32(0); j < m; j++ {
				v, err := r.ReadInt()
				if err != nil || v <= 0 {
					return topology.Metadata{}, fmt.Errorf("%w: 'couple' element is not a positive integer", ferrors.ErrMetadataDecodeFailed)
				}
				couple = append(couple, v)
			}
			sort.Ints(couple)
			md.Couple = couple

		case "namespace":
			s, err := r.ReadString()
			if err != nil {
				return topology.Metadata{}, fmt.Errorf("%w: invalid 'namespace' value", ferrors.ErrMetadataDecodeFailed)
			}
			md.Namespace = s

		case "frozen":
			b, err := r.ReadBool()
			if err != nil {
				return topology.Metadata{}, fmt.Errorf("%w: invalid 'frozen' value", ferrors.ErrMetadataDecodeFailed)
			}
			md.Frozen = b

		case "service":
			svc, err := decodeService(r)
			if err != nil {
				return topology.Metadata{}, err
			}
			md.Service = svc

		default:
			if err := r.Skip(); err != nil {
				return topology.Metadata{}, fmt.Errorf("%w: couldn't skip unknown field %q: %v", ferrors.ErrMetadataDecodeFailed, key, err)
			}
		}
	}

	if md.Namespace == "" {
		md.Namespace = "default"
	}

	return md, nil
}

func decodeService(r *msgp.Reader) (*topology.ServiceRecord, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid 'service' value", ferrors.ErrMetadataDecodeFailed)
	}

	svc := &topology.ServiceRecord{}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: couldn't read 'service' field name: %v", ferrors.ErrMetadataDecodeFailed, err)
		}
		switch key {
		case "status":
			s, err := r.ReadString()
			if err != nil {
				return nil, fmt.Errorf("%w: invalid 'service.status' value", ferrors.ErrMetadataDecodeFailed)
			}
			if s == "MIGRATING" {
				svc.Migrating = true
			}
		case "job_id":
			s, err := r.ReadString()
			if err != nil {
				return nil, fmt.Errorf("%w: invalid 'service.job_id' value", ferrors.ErrMetadataDecodeFailed)
			}
			svc.JobID = s
		default:
			if err := r.Skip(); err != nil {
				return nil, fmt.Errorf("%w: couldn't skip unknown service field %q: %v", ferrors.ErrMetadataDecodeFailed, key, err)
			}
		}
	}
	return svc, nil
}
