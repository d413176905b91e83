package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// DeviceIdentity 从clientId解析出的设备身份信息
type DeviceIdentity struct {
	GroupID    string // 设备分组ID
	MacAddress string // 标准冒号分隔MAC地址
	UUID       string // 可选的设备UUID
	UserData   map[string]interface{}
}

// CredentialValidator 设备凭证校验器
// 签名密钥为空时进入降级模式，跳过签名校验
type CredentialValidator struct {
	keyFn func() string
}

// NewCredentialValidator 创建固定密钥的凭证校验器
func NewCredentialValidator(signatureKey string) *CredentialValidator {
	return &CredentialValidator{keyFn: func() string { return signatureKey }}
}

// NewDynamicCredentialValidator 创建每次校验取当前密钥的凭证校验器
// 配合配置热加载使用，新连接按最新密钥校验
func NewDynamicCredentialValidator(keyFn func() string) *CredentialValidator {
	return &CredentialValidator{keyFn: keyFn}
}

// Enabled 签名校验是否启用
func (v *CredentialValidator) Enabled() bool {
	return v.keyFn() != ""
}

// Sign 计算凭证签名：HMAC-SHA256(clientId + "|" + username)，base64编码
func (v *CredentialValidator) Sign(clientID, username string) string {
	mac := hmac.New(sha256.New, []byte(v.keyFn()))
	mac.Write([]byte(clientID + "|" + username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Validate 校验凭证签名；降级模式下直接放行
func (v *CredentialValidator) Validate(clientID, username, password string) bool {
	if !v.Enabled() {
		return true
	}
	expected := v.Sign(clientID, username)
	return hmac.Equal([]byte(expected), []byte(password))
}

// ParseClientID 解析设备clientId
// 格式：GID_xxx@@@mac_with_underscores[@@@uuid]，MAC下划线转冒号并小写
func ParseClientID(clientID string) (*DeviceIdentity, error) {
	parts := strings.Split(clientID, "@@@")
	if len(parts) < 2 {
		return nil, fmt.Errorf("clientId格式错误: %s", clientID)
	}

	mac := strings.ToLower(strings.ReplaceAll(parts[1], "_", ":"))
	if !macPattern.MatchString(mac) {
		return nil, fmt.Errorf("MAC地址格式错误: %s", parts[1])
	}

	identity := &DeviceIdentity{
		GroupID:    parts[0],
		MacAddress: mac,
	}
	if len(parts) > 2 {
		identity.UUID = parts[2]
	}
	return identity, nil
}

// ParseUserData 解析username中base64编码的JSON用户数据
func ParseUserData(username string) (map[string]interface{}, error) {
	if username == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(username)
	if err != nil {
		return nil, fmt.Errorf("解码用户数据失败: %v", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("解析用户数据失败: %v", err)
	}
	return data, nil
}

// MqttCredentials 下发给设备的MQTT接入凭证
type MqttCredentials struct {
	Endpoint       string `json:"endpoint"`
	Port           int    `json:"port"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublishTopic   string `json:"publish_topic"`
	SubscribeTopic string `json:"subscribe_topic"`
}

// GenerateCredentials 为设备生成MQTT接入凭证（校验的逆操作）
func (v *CredentialValidator) GenerateCredentials(endpoint string, groupID, mac, uuid string, userData map[string]interface{}) (*MqttCredentials, error) {
	if !macPattern.MatchString(strings.ToLower(mac)) {
		return nil, fmt.Errorf("MAC地址格式错误: %s", mac)
	}

	clientID := groupID + "@@@" + strings.ReplaceAll(strings.ToLower(mac), ":", "_")
	if uuid != "" {
		clientID += "@@@" + uuid
	}

	username := ""
	if userData != nil {
		raw, err := json.Marshal(userData)
		if err != nil {
			return nil, fmt.Errorf("编码用户数据失败: %v", err)
		}
		username = base64.StdEncoding.EncodeToString(raw)
	}

	return &MqttCredentials{
		Endpoint:       endpoint,
		Port:           8883,
		ClientID:       clientID,
		Username:       username,
		Password:       v.Sign(clientID, username),
		PublishTopic:   "device-server",
		SubscribeTopic: "null",
	}, nil
}
