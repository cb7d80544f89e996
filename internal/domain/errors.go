package domain

import "errors"

// 暗号処理のエラー分類
var (
	// ErrInvalidKeyLength は鍵長がアルゴリズムの要求と一致しない場合のエラー。
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrUnsupportedAlgorithm は未知または未対応のアルゴリズムが指定された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrAuthenticationFailed は認証タグの検証に失敗した場合のエラー（改ざん検知）。
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrKeyUnwrapFailed はラップされた鍵を秘密鍵で復元できない場合のエラー。
	ErrKeyUnwrapFailed = errors.New("key unwrap failed")

	// ErrWrongPassword はパスワードから導出した鍵で秘密鍵を復号できない場合のエラー。
	ErrWrongPassword = errors.New("wrong password")

	// ErrCorruptKeyStore は保存された鍵データの構造が壊れている場合のエラー。
	ErrCorruptKeyStore = errors.New("corrupt key store")

	// ErrCapabilityUnavailable はオプションの暗号バックエンドが利用できない場合のエラー。
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrTamperDetected は監査エントリの署名検証に失敗した場合のエラー。
	ErrTamperDetected = errors.New("tamper detected")

	// ErrConcurrentModification は鍵状態の更新競合に敗れた場合のエラー。
	ErrConcurrentModification = errors.New("concurrent modification")
)

var (
	// ErrKeyNotFound は指定された所有者・種別の鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRevoked は指定された鍵が失効済みの場合のエラー。
	ErrKeyRevoked = errors.New("key is revoked")

	// ErrInvalidPublicKey は公開鍵の形式が不正な場合のエラー。
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidOwnerID は所有者IDの形式が不正な場合のエラー。
	ErrInvalidOwnerID = errors.New("invalid owner ID")

	// ErrInvalidKeyType は鍵種別が不正な場合のエラー。
	ErrInvalidKeyType = errors.New("invalid key type")

	// ErrEmptyPassword はパスワードが空の場合のエラー。
	ErrEmptyPassword = errors.New("password is required")

	// ErrContentNotFound は指定されたコンテンツが存在しない場合のエラー。
	ErrContentNotFound = errors.New("content not found")

	// ErrMessageNotFound は指定されたメッセージが存在しない場合のエラー。
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageExpired はメッセージが期限切れまたは既読消去済みの場合のエラー。
	ErrMessageExpired = errors.New("message expired")

	// ErrAccessDenied はリソースへのアクセス権がない場合のエラー。
	ErrAccessDenied = errors.New("access denied")

	// ErrGrantNotFound は取り消し対象のアクセス許可が存在しない場合のエラー。
	ErrGrantNotFound = errors.New("access grant not found")

	// ErrInvalidAccessLevel はアクセスレベルが不正な場合のエラー。
	ErrInvalidAccessLevel = errors.New("invalid access level")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// IsDecryptionFailure は利用者に「decryption failed」としてのみ伝えるべきエラーかどうかを返す。
// 原因を区別できるとオラクル攻撃に使われるため、内部分類はログと監査にのみ残す。
func IsDecryptionFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrKeyUnwrapFailed) ||
		errors.Is(err, ErrWrongPassword) ||
		errors.Is(err, ErrCorruptKeyStore)
}

// IsRetryable は呼び出し側が状態を読み直して再試行してよいエラーかどうかを返す。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsDomainError は既知の分類に属する回復可能なエラーかどうかを返す。
// false の場合は予期しない障害として扱う。
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidKeyLength, ErrUnsupportedAlgorithm, ErrAuthenticationFailed,
		ErrKeyUnwrapFailed, ErrWrongPassword, ErrCorruptKeyStore,
		ErrCapabilityUnavailable, ErrTamperDetected, ErrConcurrentModification,
		ErrKeyNotFound, ErrKeyRevoked, ErrInvalidPublicKey, ErrInvalidOwnerID, ErrInvalidKeyType,
		ErrEmptyPassword, ErrContentNotFound, ErrMessageNotFound,
		ErrMessageExpired, ErrAccessDenied, ErrGrantNotFound, ErrInvalidAccessLevel,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
