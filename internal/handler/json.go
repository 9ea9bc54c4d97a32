package handler

import (
	"bytes"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxBodySize = 1 << 20

// readBody decodes the request body as a JSON object, calling field for
// every key.
func readBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return badRequest(errors.Wrap(err, "read body"))
	}
	if err := jx.DecodeBytes(data).Obj(field); err != nil {
		return badRequest(err)
	}
	return nil
}

// readOptionalBody is readBody for endpoints where the body may be omitted.
func readOptionalBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return badRequest(errors.Wrap(err, "read body"))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(data).Obj(field); err != nil {
		return badRequest(err)
	}
	return nil
}

func isNull(d *jx.Decoder) (bool, error) {
	if d.Next() != jx.Null {
		return false, nil
	}
	return true, d.Null()
}

// decodeDecimal accepts both "12.50" and 12.50.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	default:
		return decimal.Zero, errors.Errorf("expected decimal, got %s", d.Next())
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse decimal %q", raw)
	}
	return v, nil
}

func decodeOptInt64(d *jx.Decoder) (*int64, error) {
	if null, err := isNull(d); null || err != nil {
		return nil, err
	}
	v, err := d.Int64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptInt(d *jx.Decoder) (*int, error) {
	if null, err := isNull(d); null || err != nil {
		return nil, err
	}
	v, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptStr(d *jx.Decoder) (*string, error) {
	if null, err := isNull(d); null || err != nil {
		return nil, err
	}
	v, err := d.Str()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	if null, err := isNull(d); null || err != nil {
		return decimal.NullDecimal{}, err
	}
	v, err := decodeDecimal(d)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

func decodeOptUUID(d *jx.Decoder) (uuid.NullUUID, error) {
	s, err := decodeOptStr(d)
	if err != nil || s == nil || *s == "" {
		return uuid.NullUUID{}, err
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return uuid.NullUUID{}, errors.Wrapf(err, "parse uuid %q", *s)
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}

func encodeOptInt64(e *jx.Encoder, v *int64) {
	if v == nil {
		e.Null()
		return
	}
	e.Int64(*v)
}

func encodeOptInt(e *jx.Encoder, v *int) {
	if v == nil {
		e.Null()
		return
	}
	e.Int(*v)
}

func encodeOptStr(e *jx.Encoder, v *string) {
	if v == nil {
		e.Null()
		return
	}
	e.Str(*v)
}

func encodeOptDecimal(e *jx.Encoder, v decimal.NullDecimal) {
	if !v.Valid {
		e.Null()
		return
	}
	e.Str(v.Decimal.String())
}

func encodeOptUUID(e *jx.Encoder, v uuid.NullUUID) {
	if !v.Valid {
		e.Null()
		return
	}
	e.Str(v.UUID.String())
}

func writeJSON(w http.ResponseWriter, code int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
