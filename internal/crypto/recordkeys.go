package icrypto

import "github.com/jmcleod/tollgate/internal/util"

const recordKeyInfo = "tollgate:record-key:v1"

// DeriveRecordKey derives a namespace-specific record encryption key from the
// service seal key.
func DeriveRecordKey(sealKey []byte, namespace string) ([]byte, error) {
	return util.HKDF(sealKey, []byte(namespace), []byte(recordKeyInfo))
}
