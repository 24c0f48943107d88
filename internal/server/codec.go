package server

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// Wire field names
const (
	fieldPath      = "path"
	fieldCutoff    = "distance_cutoff"
	fieldFile      = "file"
	fieldScore     = "contact_order"
	fieldError     = "error"
	fieldErrorKind = "error_kind"
)

// EncodeRequest builds a Compute request
func EncodeRequest(path string, cutoff float64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPath:   structpb.NewStringValue(path),
		fieldCutoff: structpb.NewNumberValue(cutoff),
	}}
}

// DecodeRequest reads a Compute request; a missing cutoff yields ok=false for the cutoff
func DecodeRequest(req *structpb.Struct) (path string, cutoff float64, hasCutoff bool, err error) {
	fields := req.GetFields()
	v, ok := fields[fieldPath].GetKind().(*structpb.Value_StringValue)
	if !ok || v.StringValue == "" {
		return "", 0, false, fmt.Errorf("%s is required", fieldPath)
	}
	path = v.StringValue

	switch c := fields[fieldCutoff].GetKind().(type) {
	case nil, *structpb.Value_NullValue:
	case *structpb.Value_NumberValue:
		cutoff, hasCutoff = c.NumberValue, true
	default:
		return "", 0, false, fmt.Errorf("%s must be a number", fieldCutoff)
	}
	return path, cutoff, hasCutoff, nil
}

// EncodeResult converts a result row to its wire form; absent values are null
func EncodeResult(r types.ContactOrderResult) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldFile:      structpb.NewStringValue(r.File),
		fieldScore:     structpb.NewNullValue(),
		fieldError:     structpb.NewNullValue(),
		fieldErrorKind: structpb.NewNullValue(),
	}
	if v, ok := r.Value(); ok {
		fields[fieldScore] = structpb.NewNumberValue(v)
	} else {
		fields[fieldError] = structpb.NewStringValue(r.Err.Message)
		fields[fieldErrorKind] = structpb.NewStringValue(string(r.Err.Kind))
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeResult converts a Compute response back to a result row
func DecodeResult(resp *structpb.Struct) (types.ContactOrderResult, error) {
	fields := resp.GetFields()
	file := fields[fieldFile].GetStringValue()

	if msg, ok := fields[fieldError].GetKind().(*structpb.Value_StringValue); ok {
		kind := types.ErrorKind(fields[fieldErrorKind].GetStringValue())
		if kind == "" {
			kind = types.KindUnexpectedFailure
		}
		return types.Failure(file, types.NewError(kind, msg.StringValue)), nil
	}

	score, ok := fields[fieldScore].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return types.ContactOrderResult{}, fmt.Errorf("response for %q has neither %s nor %s", file, fieldScore, fieldError)
	}
	return types.Success(file, score.NumberValue), nil
}
