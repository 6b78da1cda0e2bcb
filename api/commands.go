package api

import "github.com/ruteri/secretvault/nuc"

// Token commands required by the node and signer API routes.
const (
	CmdRegisterBuilder  = nuc.CommandBuilder + "/register"
	CmdReadBuilder      = nuc.CommandBuilder + "/read"
	CmdDeleteBuilder    = nuc.CommandBuilder + "/delete"
	CmdCreateCollection = nuc.CommandCollect + "/create"
	CmdReadCollection   = nuc.CommandCollect + "/read"
	CmdDeleteCollection = nuc.CommandCollect + "/delete"
	CmdCreateData       = nuc.CommandData + "/create"
	CmdReadData         = nuc.CommandData + "/read"
	CmdUpdateData       = nuc.CommandData + "/update"
	CmdDeleteData       = nuc.CommandData + "/delete"
	CmdCreateOwnedData  = nuc.CommandOwnedData
	CmdReadUserData     = nuc.CommandUser + "/read"
	CmdDeleteUserData   = nuc.CommandUser + "/delete"
	CmdUserACL          = nuc.CommandUser + "/acl"
	CmdCreateQuery      = nuc.CommandQueries + "/create"
	CmdReadQuery        = nuc.CommandQueries + "/read"
	CmdDeleteQuery      = nuc.CommandQueries + "/delete"
	CmdRunQuery         = nuc.CommandQueries + "/run"
	CmdTSSKeygen        = nuc.CommandTSS + "/keygen"
	CmdTSSSign          = nuc.CommandTSS + "/sign"
	CmdTSSReadKey       = nuc.CommandTSS + "/keys/read"
)
