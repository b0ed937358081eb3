package rpc

import (
	"context"
	"encoding/json"

	"keyvault/go-backend/pkg/models"
)

func (s *Server) dispatchVaultRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "vault.status":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			return s.service.VaultStatus()
		})
		return result, rpcErr, true
	case "vault.set_password":
		result, rpcErr := callWithPasswordPair(rawParams, false, func(password, confirm string) (any, error) {
			if err := s.service.SetPassword(password, confirm); err != nil {
				return nil, err
			}
			return map[string]bool{"password_set": true}, nil
		})
		return result, rpcErr, true
	case "vault.change_password":
		oldPassword, newPassword, confirm, err := decodeChangePasswordParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		if err := s.service.ChangePassword(oldPassword, newPassword, confirm); err != nil {
			return nil, mapServiceError(err), true
		}
		return map[string]bool{"changed": true}, nil, true
	case "vault.unlock":
		var arr []string
		if err := json.Unmarshal(rawParams, &arr); err != nil || len(arr) != 1 {
			return nil, rpcInvalidParams(), true
		}
		ids, err := s.service.Unlock(arr[0])
		if err != nil {
			return nil, mapServiceError(err), true
		}
		return identityList(ids), nil, true
	case "vault.lock":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			s.service.Lock()
			return map[string]bool{"locked": true}, nil
		})
		return result, rpcErr, true
	case "vault.list":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			return identityList(s.service.ListIdentities()), nil
		})
		return result, rpcErr, true
	case "vault.create":
		result, rpcErr := callWithSingleStringParam(rawParams, func(name string) (any, error) {
			return s.service.CreateIdentity(name)
		})
		return result, rpcErr, true
	case "vault.import":
		result, rpcErr := callWithTwoStringParams(rawParams, func(name, secret string) (any, error) {
			return s.service.ImportIdentity(name, secret)
		})
		return result, rpcErr, true
	case "vault.rename":
		result, rpcErr := callWithTwoStringParams(rawParams, func(address, name string) (any, error) {
			return s.service.RenameIdentity(address, name)
		})
		return result, rpcErr, true
	case "vault.delete":
		result, rpcErr := callWithSingleStringParam(rawParams, func(address string) (any, error) {
			return s.service.DeleteIdentity(address)
		})
		return result, rpcErr, true
	case "vault.trash":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			entries, err := s.service.ListTrash()
			if err != nil {
				return nil, err
			}
			if entries == nil {
				entries = []models.TrashEntry{}
			}
			return entries, nil
		})
		return result, rpcErr, true
	case "vault.restore":
		index, password, err := decodeRestoreParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		res, err := s.service.RestoreIdentity(index, password)
		if err != nil {
			return nil, mapServiceError(err), true
		}
		out := map[string]any{"entry": res.Entry}
		if res.Identity != nil {
			out["identity"] = res.Identity
		}
		if res.Warning != nil {
			out["warning"] = res.Warning.Error()
		}
		return out, nil, true
	case "vault.recover_restored":
		result, rpcErr := callWithSingleStringParam(rawParams, func(password string) (any, error) {
			ids, err := s.service.RecoverRestored(password)
			if err != nil {
				return nil, err
			}
			return identityList(ids), nil
		})
		return result, rpcErr, true
	case "vault.clear_trash":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			n, err := s.service.ClearTrash()
			if err != nil {
				return nil, err
			}
			return map[string]int{"cleared": n}, nil
		})
		return result, rpcErr, true
	case "vault.toggle_mode":
		result, rpcErr := callWithPasswordPair(rawParams, true, func(password, confirm string) (any, error) {
			mode, err := s.service.ToggleVaultMode(ctx, password, confirm)
			if err != nil {
				return nil, err
			}
			return map[string]models.VaultMode{"mode": mode}, nil
		})
		return result, rpcErr, true
	case "vault.export_secret":
		result, rpcErr := callWithSingleStringParam(rawParams, func(address string) (any, error) {
			secret, err := s.service.ExportSecret(ctx, address)
			if err != nil {
				return nil, err
			}
			return map[string]string{"address": address, "private_key": secret}, nil
		})
		return result, rpcErr, true
	case "settings.get":
		result, rpcErr := callWithoutParams(rawParams, func() (any, error) {
			return s.service.GetSettings()
		})
		return result, rpcErr, true
	case "settings.update":
		patch, err := decodeSettingsPatch(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		settings, err := s.service.UpdateSettings(patch)
		if err != nil {
			return nil, mapServiceError(err), true
		}
		return settings, nil, true
	default:
		return nil, nil, false
	}
}

func identityList(ids []models.Identity) []models.Identity {
	if ids == nil {
		return []models.Identity{}
	}
	return ids
}
