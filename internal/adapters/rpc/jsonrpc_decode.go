package rpc

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"strings"

	"keyvault/go-backend/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

func isEmptyParams(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "[]" || trimmed == "{}"
}

func decodeStringArray(raw json.RawMessage, n int) ([]string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != n {
		return nil, errInvalidParams
	}
	return arr, nil
}

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	arr, err := decodeStringArray(raw, 1)
	if err != nil || strings.TrimSpace(arr[0]) == "" {
		return "", errInvalidParams
	}
	return arr[0], nil
}

func decodeTwoStringParams(raw json.RawMessage) (string, string, error) {
	arr, err := decodeStringArray(raw, 2)
	if err != nil || strings.TrimSpace(arr[0]) == "" || strings.TrimSpace(arr[1]) == "" {
		return "", "", errInvalidParams
	}
	return arr[0], arr[1], nil
}

// decodePasswordPair accepts [password, confirm]. Passwords are not trimmed.
func decodePasswordPair(raw json.RawMessage) (string, string, error) {
	arr, err := decodeStringArray(raw, 2)
	if err != nil {
		return "", "", errInvalidParams
	}
	return arr[0], arr[1], nil
}

// decodeOptionalPasswordPair accepts no params or [password, confirm].
func decodeOptionalPasswordPair(raw json.RawMessage) (string, string, error) {
	if isEmptyParams(raw) {
		return "", "", nil
	}
	return decodePasswordPair(raw)
}

func decodeChangePasswordParams(raw json.RawMessage) (string, string, string, error) {
	arr, err := decodeStringArray(raw, 3)
	if err != nil {
		return "", "", "", errInvalidParams
	}
	return arr[0], arr[1], arr[2], nil
}

// decodeRestoreParams accepts [index] or [index, password].
func decodeRestoreParams(raw json.RawMessage) (int, string, error) {
	var arr []any
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 || len(arr) > 2 {
		return 0, "", errInvalidParams
	}
	index, err := decodeStrictNonNegativeInt(arr[0])
	if err != nil {
		return 0, "", err
	}
	if len(arr) == 1 {
		return index, "", nil
	}
	password, ok := arr[1].(string)
	if !ok {
		return 0, "", errInvalidParams
	}
	return index, password, nil
}

func decodeStrictNonNegativeInt(raw any) (int, error) {
	v, ok := raw.(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errInvalidParams
	}
	if v < 0 || math.Trunc(v) != v {
		return 0, errInvalidParams
	}
	maxInt := float64(^uint(0) >> 1)
	if v > maxInt {
		return 0, errInvalidParams
	}
	return int(v), nil
}

// decodeBalanceParams accepts [address] or [address, network].
func decodeBalanceParams(raw json.RawMessage) (string, string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 || len(arr) > 2 {
		return "", "", errInvalidParams
	}
	address := strings.TrimSpace(arr[0])
	if address == "" {
		return "", "", errInvalidParams
	}
	network := ""
	if len(arr) == 2 {
		network = strings.TrimSpace(arr[1])
	}
	return address, network, nil
}

type transferParams struct {
	From    string
	To      string
	Value   *big.Int
	Network string
}

// decodeTransferParams accepts [from, to, valueWei] or
// [from, to, valueWei, network]. The value is a decimal or 0x-hex string so
// amounts above 2^53 survive JSON.
func decodeTransferParams(raw json.RawMessage) (transferParams, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 3 || len(arr) > 4 {
		return transferParams{}, errInvalidParams
	}
	out := transferParams{From: strings.TrimSpace(arr[0]), To: strings.TrimSpace(arr[1])}
	if out.From == "" || out.To == "" {
		return transferParams{}, errInvalidParams
	}
	value, ok := parseWei(arr[2])
	if !ok {
		return transferParams{}, errInvalidParams
	}
	out.Value = value
	if len(arr) == 4 {
		out.Network = strings.TrimSpace(arr[3])
	}
	return out, nil
}

func parseWei(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	base := 10
	if hex, ok := strings.CutPrefix(strings.ToLower(raw), "0x"); ok {
		raw, base = hex, 16
	}
	v, ok := new(big.Int).SetString(raw, base)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// decodeDecisionParams accepts [promptID, approve].
func decodeDecisionParams(raw json.RawMessage) (string, bool, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 2 {
		return "", false, errInvalidParams
	}
	var id string
	var approve bool
	if err := json.Unmarshal(arr[0], &id); err != nil || strings.TrimSpace(id) == "" {
		return "", false, errInvalidParams
	}
	if err := json.Unmarshal(arr[1], &approve); err != nil {
		return "", false, errInvalidParams
	}
	return id, approve, nil
}

// decodeSettingsPatch accepts [{...patch}] or {...patch}.
func decodeSettingsPatch(raw json.RawMessage) (models.SettingsPatch, error) {
	var arr []models.SettingsPatch
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 {
		return arr[0], nil
	}
	var patch models.SettingsPatch
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return models.SettingsPatch{}, errInvalidParams
	}
	return patch, nil
}
