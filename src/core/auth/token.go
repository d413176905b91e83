package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BrokerToken 网关接入broker的JWT签发/校验器
// EMQX侧按claims中的acl规则限制网关只访问转发主题和设备下行主题
type BrokerToken struct {
	secretKey []byte
}

// NewBrokerToken 创建broker令牌签发器
func NewBrokerToken(secretKey string) (*BrokerToken, error) {
	if secretKey == "" {
		return nil, errors.New("broker令牌密钥不能为空")
	}
	return &BrokerToken{secretKey: []byte(secretKey)}, nil
}

// Generate 签发默认24小时有效期的接入令牌
func (bt *BrokerToken) Generate(clientID, ingestTopic string) (string, error) {
	return bt.GenerateWithExpiry(clientID, ingestTopic, 24*time.Hour)
}

// GenerateWithExpiry 签发指定有效期的接入令牌（包含MQTT ACL规则）
func (bt *BrokerToken) GenerateWithExpiry(clientID, ingestTopic string, expiry time.Duration) (string, error) {
	now := time.Now()

	acl := []map[string]any{
		{
			"permission": "allow",
			"action":     "subscribe",
			"topic":      ingestTopic,
		},
		{
			"permission": "allow",
			"action":     "publish",
			"topic":      "devices/p2p/+",
		},
	}

	claims := jwt.MapClaims{
		"username":  clientID, // EMQX需要username字段
		"client_id": clientID,
		"acl":       acl,
		"exp":       now.Add(expiry).Unix(),
		"iat":       now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(bt.secretKey)
	if err != nil {
		return "", fmt.Errorf("签发令牌失败: %v", err)
	}
	return tokenString, nil
}

// Verify 校验令牌签名与有效期，返回client_id
func (bt *BrokerToken) Verify(tokenString string) (string, error) {
	if bt == nil || bt.secretKey == nil {
		return "", errors.New("令牌密钥未初始化")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名方法: %v", token.Header["alg"])
		}
		return bt.secretKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("解析令牌失败: %v", err)
	}
	if !token.Valid {
		return "", errors.New("令牌无效")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("令牌claims无效")
	}
	clientID, ok := claims["client_id"].(string)
	if !ok {
		return "", errors.New("令牌缺少client_id")
	}
	return clientID, nil
}
