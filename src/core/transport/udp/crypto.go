package udp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// GenerateAESKey 生成16字节的AES-128密钥
func GenerateAESKey() ([16]byte, error) {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("生成AES密钥失败: %v", err)
	}
	return key, nil
}

// EncryptAESCTR 使用AES-CTR模式加密数据，iv为16字节数据包头部
func EncryptAESCTR(iv []byte, key []byte, plaintext []byte) ([]byte, error) {
	if len(iv) != 16 {
		return nil, fmt.Errorf("IV长度必须为16字节")
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("密钥长度必须为16字节")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建AES cipher失败: %v", err)
	}

	ciphertext := make([]byte, len(plaintext))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

// DecryptAESCTR 使用AES-CTR模式解密数据
// CTR模式下加解密为同一运算
func DecryptAESCTR(iv []byte, key []byte, ciphertext []byte) ([]byte, error) {
	return EncryptAESCTR(iv, key, ciphertext)
}
