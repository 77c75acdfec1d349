package ledger

// validRounds is how many rounds a built transaction stays valid for.
const validRounds = 1000

func base(p Params, typ TxnType, sender string) Txn {
	return Txn{
		Type:       typ,
		Sender:     NormalizeAddress(sender),
		Fee:        p.MinFee,
		FirstValid: p.FirstValid,
		LastValid:  p.FirstValid + validRounds,
		GenesisID:  p.GenesisID,
	}
}

// PaymentTxn moves amount of the native currency from sender to receiver.
func PaymentTxn(p Params, sender, receiver string, amount uint64) Txn {
	t := base(p, TypePayment, sender)
	t.Receiver = NormalizeAddress(receiver)
	t.Amount = amount
	return t
}

// AssetCreateTxn mints a fungible asset whose whole supply starts with
// sender.
func AssetCreateTxn(p Params, sender string, total uint64, name, unitName string) Txn {
	t := base(p, TypeAssetConfig, sender)
	t.AssetTotal = total
	t.AssetName = name
	t.UnitName = unitName
	return t
}

// AssetTransferTxn moves amount units of assetID from sender to receiver.
func AssetTransferTxn(p Params, sender, receiver string, assetID, amount uint64) Txn {
	t := base(p, TypeAssetTransfer, sender)
	t.AssetID = assetID
	t.AssetReceiver = NormalizeAddress(receiver)
	t.AssetAmount = amount
	return t
}

// AssetOptInTxn is the zero-amount self transfer that lets sender hold
// assetID.
func AssetOptInTxn(p Params, sender string, assetID uint64) Txn {
	return AssetTransferTxn(p, sender, sender, assetID, 0)
}

// AppCallTxn invokes appID. An appID of zero creates a new application.
func AppCallTxn(p Params, sender string, appID uint64, oc OnComplete, args [][]byte, foreignAssets []uint64) Txn {
	t := base(p, TypeAppCall, sender)
	t.AppID = appID
	t.OnComplete = oc
	t.Args = args
	t.ForeignAssets = foreignAssets
	return t
}
