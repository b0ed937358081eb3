package rpc

import (
	"encoding/json"
)

func callWithoutParams(rawParams json.RawMessage, call func() (any, error)) (any, *rpcError) {
	if !isEmptyParams(rawParams) {
		return nil, rpcInvalidParams()
	}
	result, err := call()
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

func callWithSingleStringParam(rawParams json.RawMessage, call func(string) (any, error)) (any, *rpcError) {
	param, err := decodeSingleStringParam(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(param)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

func callWithTwoStringParams(rawParams json.RawMessage, call func(string, string) (any, error)) (any, *rpcError) {
	a, b, err := decodeTwoStringParams(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(a, b)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

func callWithPasswordPair(rawParams json.RawMessage, optional bool, call func(password, confirm string) (any, error)) (any, *rpcError) {
	decode := decodePasswordPair
	if optional {
		decode = decodeOptionalPasswordPair
	}
	password, confirm, err := decode(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(password, confirm)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}
