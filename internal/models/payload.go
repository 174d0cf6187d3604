package models

// Payload keys written by the weather provider.
const (
	PayloadLocation    = "location"
	PayloadTemperature = "temperature"
	PayloadFeelsLike   = "feels_like"
	PayloadHumidity    = "humidity"
	PayloadConditions  = "conditions"
	PayloadDescription = "description"
	PayloadWindSpeed   = "wind_speed"
	PayloadCoordinates = "coordinates"
)

// WeatherPayload is the typed view of Reading.Payload used for validation and formatting.
type WeatherPayload struct {
	Location    string       `json:"location"`
	Temperature *float64     `json:"temperature" validate:"required,gte=-100,lte=100"`
	FeelsLike   *float64     `json:"feels_like,omitempty" validate:"omitempty,gte=-120,lte=120"`
	Humidity    *float64     `json:"humidity,omitempty" validate:"omitempty,gte=0,lte=100"`
	Conditions  string       `json:"conditions" validate:"required"`
	Description string       `json:"description,omitempty"`
	WindSpeed   *float64     `json:"wind_speed,omitempty" validate:"omitempty,gte=0"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Coordinates of the queried station.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}
