// Package value implements the tagged value model shared by the table and
// the wire protocol.
//
// # Overview
//
// A Value is one of six variants:
//
//	null | string | number | bool | array of Value | object of string → Value
//
// Values are built from decoded wire input (FromJSON, FromAny) or assembled
// from literals (String, Number, Array, Object, ...). Once built they never
// change: every constructor and accessor copies its slices and maps, so a
// stored Value can be handed to any goroutine and table updates always
// replace a Value wholesale.
//
// # Encoding
//
// Value implements json.Marshaler and json.Unmarshaler. Numbers decode as
// float64. NaN and ±Inf have no JSON form and fail to marshal.
//
// # Display
//
// String renders a compact, deterministic form used by the operator
// console: objects list their keys in sorted order, nested strings are
// quoted, and a top-level string prints as its raw text.
//
//	Object({"b": Number(2), "a": Array(String("x"), Null())})
//	// {"a": ["x", null], "b": 2}
package value
