package clientmqtt

type MQTTConf struct {
	ClientID    string // ClientID - уникальное имя клиента для брокеров.
	Schema      string // Schema - тип подключения.
	Host        string // Host - адрес MQTT сервера.
	Port        string // Port - порт MQTT сервера.
	User        string // User - логин для подключения к MQTT серверу.
	Password    string // Password - пароль для подключения к MQTT серверу.
	Qos         byte   // Qos - качество обслуживания.
	TopicPrefix string // TopicPrefix - первый уровень топиков, по умолчанию "sacn".
}

type nameTopic string
type dmxAddr uint16

// DataCh carries channel commands for one sACN output universe.
type DataCh struct {
	Universe uint16
	Data     Payload
}

type DMXCommand struct {
	Channel uint16 // Channel is the channel a command can talk to (0-511).
	Value   uint8  // Value is the value a DMX channel can represent (0-255).
}

type Payload []DMXCommand

// UniverseMessage is published for every delivered change of a received universe.
type UniverseMessage struct {
	Universe uint16    `json:"universe"`
	Priority uint8     `json:"priority"`
	Source   string    `json:"source"`
	CID      string    `json:"cid"`
	Sequence uint8     `json:"sequence"`
	Preview  bool      `json:"preview"`
	Data     [512]byte `json:"data"`
}
