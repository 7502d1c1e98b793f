package climate

// DefaultProfile is used for stations without a dedicated entry.
var DefaultProfile = Profile{
	BaseTemp:        25,
	TempRange:       6,
	Humidity:        Range{Min: 40, Max: 70},
	RainProbability: 0.2,
	WindSpeed:       Range{Min: 5, Max: 20},
}

// builtinStations are regional approximations, not measured climatology.
var builtinStations = []StationSpec{
	{
		Name: "Delhi Central", Location: "New Delhi, India", Latitude: 28.6139, Longitude: 77.2090,
		Profile: Profile{BaseTemp: 39, TempRange: 7, Humidity: Range{25, 60}, RainProbability: 0.10, WindSpeed: Range{5, 20}},
	},
	{
		Name: "Mumbai Coastal", Location: "Mumbai, India", Latitude: 19.0760, Longitude: 72.8777,
		Profile: Profile{BaseTemp: 30, TempRange: 4, Humidity: Range{65, 90}, RainProbability: 0.35, WindSpeed: Range{10, 28}},
	},
	{
		Name: "Chennai Harbor", Location: "Chennai, India", Latitude: 13.0827, Longitude: 80.2707,
		Profile: Profile{BaseTemp: 33, TempRange: 5, Humidity: Range{60, 85}, RainProbability: 0.25, WindSpeed: Range{12, 32}},
	},
	{
		Name: "Jaisalmer Desert", Location: "Jaisalmer, India", Latitude: 26.9157, Longitude: 70.9083,
		Profile: Profile{BaseTemp: 43, TempRange: 10, Humidity: Range{20, 40}, RainProbability: 0.05, WindSpeed: Range{8, 35}},
	},
	{
		Name: "Shimla Hills", Location: "Shimla, India", Latitude: 31.1048, Longitude: 77.1734,
		Profile: Profile{BaseTemp: 18, TempRange: 8, Humidity: Range{45, 75}, RainProbability: 0.20, WindSpeed: Range{5, 18}},
	},
}

// Builtin returns the hand-authored five-station table.
func Builtin() *Table {
	t, err := NewTable(builtinStations, DefaultProfile)
	if err != nil {
		panic("climate: builtin table invalid: " + err.Error())
	}
	return t
}
