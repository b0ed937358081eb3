package contracts

import contractports "keyvault/go-backend/internal/domains/contracts/ports"

type VaultAPI = contractports.VaultAPI
type WalletAPI = contractports.WalletAPI
type SessionAPI = contractports.SessionAPI
type ApprovalAPI = contractports.ApprovalAPI
type DaemonService = contractports.DaemonService
type NotificationEvent = contractports.NotificationEvent
